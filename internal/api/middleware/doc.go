// Package middleware provides the HTTP middleware for the embedder API.
//
// Middleware stack includes:
//   - RequestID: Tags every request with an X-Request-ID
//   - Logger: Structured access logging through zap
//   - CORS: Cross-origin resource sharing with configurable origins
//   - RateLimit: Per-IP token bucket rate limiting with idle client cleanup
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.Logger(log))
//	router.Use(middleware.CORS(middleware.CORSConfigFrom(cfg.Server)))
//	router.Use(middleware.RateLimit(middleware.RateLimitConfigFrom(cfg.RateLimit)))
package middleware
