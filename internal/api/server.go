package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptkit-io/activator/internal/api/middleware"
	"github.com/promptkit-io/activator/internal/tokens"
	"github.com/promptkit-io/activator/internal/visit"
)

// VisitProcessor handles one decoded visit end to end. The concrete
// implementation is activator.Processor; tests substitute fakes.
type VisitProcessor interface {
	Process(ctx context.Context, v visit.Visit) error
}

// Server is the activator's HTTP front: it authenticates the next-visit
// fan-out service and hands each notification to the processor.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	processor   VisitProcessor
	tokenStore  tokens.Store
	rateLimiter middleware.RateLimiter
}

// NewServer creates the HTTP server with its middleware stack. Dependencies
// are injected explicitly; configuration stays in cfg.
//
// A nil tokenStore disables authentication and a nil rateLimiter disables
// rate limiting; both are logged loudly since neither is meant for
// production.
func NewServer(cfg *ServerConfig, processor VisitProcessor, tokenStore tokens.Store, rateLimiter middleware.RateLimiter) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		processor:   processor,
		tokenStore:  tokenStore,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if tokenStore != nil {
		logger.Info("service token authentication enabled")
	} else {
		logger.Warn("token store not configured, authentication disabled")
	}

	if rateLimiter != nil {
		logger.Info("rate limiting enabled")
	} else {
		logger.Warn("rate limiter not configured, rate limiting disabled")
	}

	// Middleware executes in the order listed:
	//   1. CorrelationID - tag every request and response
	//   2. Recovery - catch panics in everything downstream
	//   3. Token auth - identify the caller, set ClientContext
	//   4. RateLimit - reject floods before any expensive work
	//   5. RequestLogger - log only requests that got this far
	//   6. CORS - header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithTokenAuth(tokenStore, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown. SIGINT and SIGTERM
// trigger a graceful shutdown.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting activator API server",
			slog.String("address", s.config.Address()),
			slog.String("instrument", s.config.Instrument),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown drains in-flight requests, then releases the token store and
// rate limiter.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.tokenStore != nil {
		if store, ok := s.tokenStore.(io.Closer); ok {
			if err := store.Close(); err != nil {
				s.logger.Error("failed to close token store", slog.String("error", err.Error()))
			}
		}
	}

	if s.rateLimiter != nil {
		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("failed to close rate limiter", slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("server shutdown completed")

	return nil
}
