// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every orchestrator component receives a named child logger, and the id
// field helpers (Pipeline, Context, TopLevel, Timer, Generation) keep field
// names consistent across components so one pipeline can be followed through
// spawn, ready, freeze and exit.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	log := logger.Component("orchestrator")
//	log.Debug("dropping stale ready", logging.Pipeline(p), logging.Generation(g))
package logging
