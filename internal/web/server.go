// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package web exposes the credential service over HTTP. It owns the Auth
// Gateway (RequireSession), which places the authenticated session on the
// request context for any handler mounted behind it.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

// Options configures the HTTP surface.
type Options struct {
	Logger *slog.Logger
	// Recorder receives per-request metrics. Optional.
	Recorder RequestRecorder
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	// Mount adds further routes (served behind the same middleware). The
	// protect function wraps handlers that need a session.
	Mount func(router *mux.Router, protect func(http.Handler) http.Handler)
}

// NewHandler builds the HTTP handler for service. Every response, including
// 404 and 405, passes through the security headers.
func NewHandler(service *auth.CredentialService, opts Options) (http.Handler, error) {
	if service == nil {
		return nil, oops.Code("WEB_INVALID").Errorf("credential service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, msgNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})

	protect := RequireSession(service, logger)
	handlers := &Handlers{
		service:       service,
		logger:        logger,
		secureCookies: opts.SecureCookies,
	}
	handlers.RegisterRoutes(router, protect)
	if opts.Mount != nil {
		opts.Mount(router, protect)
	}

	var handler http.Handler = router
	handler = Recover(logger)(handler)
	handler = Instrument(router, logger, opts.Recorder)(handler)
	handler = SecurityHeaders(handler)
	return handler, nil
}

// Server runs the public HTTP listener.
type Server struct {
	addr       string
	handler    http.Handler
	logger     *slog.Logger
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates a server for handler on addr ("host:port"; port 0
// picks a free one).
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Start listens and serves in the background. The returned channel receives
// a serve failure, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("WEB_ALREADY_RUNNING").Errorf("http server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("WEB_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("http server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("http server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests until ctx expires. Stopping a stopped
// server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return oops.Code("WEB_SHUTDOWN_FAILED").Wrap(err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
