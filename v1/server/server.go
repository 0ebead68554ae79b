package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-editlock/v1/flash"
)

const shutdownTimeout = 5 * time.Second

// NewRouter returns a chi router serving h behind recovery, request
// logging, session identity and per-request message queues. mount is
// called last to add extra routes such as /metrics.
func NewRouter(h *Handler, logger *zap.Logger, mount ...func(chi.Router)) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(Recover(logger), Logging(logger), Sessions, flash.Middleware)
	h.Routes(r)
	for _, m := range mount {
		m(r)
	}
	return r
}

// Server runs an HTTP server until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New returns a Server listening on addr.
func New(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server", zap.String("addr", s.srv.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
		return err
	}
	return <-errCh
}
