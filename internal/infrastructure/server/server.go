// Package server wires the orchestrator, its content event loops and the
// embedder API into one process.
//
// Server Lifecycle:
//  1. Build the sandbox provider and event loop policy from configuration
//  2. Start the content launcher and network bridge
//  3. Start the orchestrator with the stream hub as compositor and embedder
//  4. Mount the HTTP routes and middleware
//  5. Serve until the context is cancelled or the orchestrator stops
//  6. Shut down the listener, the stream, the orchestrator and the loops
//
// Example Usage:
//
//	srv, err := server.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/GriffinCanCode/constellation/internal/api/http"
	"github.com/GriffinCanCode/constellation/internal/api/middleware"
	"github.com/GriffinCanCode/constellation/internal/content"
	"github.com/GriffinCanCode/constellation/internal/domain/eventloop"
	"github.com/GriffinCanCode/constellation/internal/domain/session"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/network"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/sandbox"
	"github.com/GriffinCanCode/constellation/internal/orchestrator"
	"github.com/GriffinCanCode/constellation/internal/ws"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	browser  *orchestrator.Sender
	launcher *content.Launcher
	hub      *ws.Hub
	store    *session.Store
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	cancel   context.CancelFunc
}

// New starts the orchestrator and builds the router. The orchestrator and
// every content loop stop when ctx is cancelled or Run returns.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Info("Initializing Constellation",
		zap.String("addr", net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)),
		zap.String("event_loop_policy", cfg.Orchestrator.EventLoopPolicy),
	)

	metrics := monitoring.NewMetrics()

	profiles, err := sandbox.NewProvider(cfg.Sandbox.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox profiles: %w", err)
	}
	policy, err := eventloop.ByName(cfg.Orchestrator.EventLoopPolicy)
	if err != nil {
		return nil, err
	}

	bridge := network.NewBridge(cfg.Network, logger.Component("network"),
		network.WithRecorder(metrics),
		network.WithRateLimit(cfg.Network.RequestsPerSecond),
	)
	launcher := content.NewLauncher(cfg.Content, logger.Component("content"))
	hub := ws.NewHub(logger.Component("stream"), metrics)

	ctx, cancel := context.WithCancel(ctx)
	browser, err := orchestrator.Start(ctx, orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		Launcher:   launcher,
		Compositor: hub.Compositor(),
		Embedder:   hub.Embedder(),
		Fetcher:    bridge,
		Sandbox:    profiles,
		Policy:     policy,
		Logger:     logger.Component("orchestrator"),
		Metrics:    metrics,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}
	logger.Info("Orchestrator started")

	store := session.NewStore()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Component("http")))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSConfigFrom(cfg.Server)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfigFrom(cfg.RateLimit)))
	}

	api.NewHandlers(browser, store, metrics, logger.Component("api")).Register(router)
	router.GET("/stream", hub.HandleConnection)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		browser:  browser,
		launcher: launcher,
		hub:      hub,
		store:    store,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		cancel:   cancel,
	}, nil
}

// Handler returns the HTTP handler serving the embedder API.
func (s *Server) Handler() http.Handler { return s.router }

// Browser returns the orchestrator handle.
func (s *Server) Browser() *orchestrator.Sender { return s.browser }

// Run serves HTTP until ctx is cancelled, the listener fails or the
// orchestrator stops, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.browser.Done():
			s.logger.Warn("Orchestrator stopped, shutting down")
		}
		return s.shutdown(srv)
	})
	return g.Wait()
}

// Close stops the orchestrator and content loops without an HTTP listener.
func (s *Server) Close() error {
	return s.shutdown(nil)
}

func (s *Server) shutdown(srv *http.Server) error {
	s.logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
	}
	s.hub.Close()

	if err := s.browser.Exit(ctx); err != nil && !errors.Is(err, orchestrator.ErrStopped) {
		errs = append(errs, fmt.Errorf("failed to stop orchestrator: %w", err))
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.launcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Content event loops stopped")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("content event loops still running: %w", ctx.Err()))
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
