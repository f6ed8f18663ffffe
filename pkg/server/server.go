package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
)

// Server is the proving server's HTTP front end.
type Server struct {
	cfg     *config.ServerConfig
	handler *Handler
	logger  *zap.Logger
	isReady atomic.Bool

	srv *http.Server
}

// New creates a server around the handler.
func New(cfg *config.ServerConfig, handler *Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
	s.isReady.Store(true)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: config.DefaultHealthTimeout,
		// Proving holds the connection open for minutes, so the write
		// timeout tracks the prove timeout rather than a normal API's.
		WriteTimeout: cfg.ProveTimeout + time.Minute,
	}
	return s
}

// Router builds the route table. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(RequestIDMiddleware)
	mux.Use(s.requestLogger)

	mux.Get("/attestation", s.handler.handleAttestation)
	mux.Get("/encryption-public-key", s.handler.handlePublicKey)
	mux.Post("/prove", s.handler.handleProve)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)
	return mux
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Sugar().Infow("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server",
			"port", s.cfg.Port,
			"backend", s.cfg.Backend,
		)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
}

// Shutdown flips readiness, waits out the drain window so load balancers
// notice, then stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.isReady.Swap(false) {
		s.logger.Sugar().Infow("Draining before shutdown", "drain", config.DefaultDrainDuration)
		select {
		case <-time.After(config.DefaultDrainDuration):
		case <-ctx.Done():
		}
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Sugar().Infow("HTTP server stopped")
	return nil
}
