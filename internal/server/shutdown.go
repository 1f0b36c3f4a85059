package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Shutdown drains in-flight requests and stops the server. It is a no-op
// before the server has started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.http
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound listener address, or "" before start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServeWithShutdown runs the server until SIGINT or SIGTERM, or
// until Shutdown is called.
func (s *Server) ListenAndServeWithShutdown() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done, then shuts down within the configured
// shutdown timeout. A Shutdown call from elsewhere makes Run return nil.
func (s *Server) Run(ctx context.Context) error {
	// Listen first so Addr reports the real port when configured with 0.
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.mu.Unlock()

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(listener)
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("server started")
	close(s.ready)

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout()
	s.logger.WithField("timeout", timeout.String()).Info("initiating shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("shutdown failed")
		return err
	}
	<-served

	s.logger.Info("server shutdown complete")
	return nil
}
