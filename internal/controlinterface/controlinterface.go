// Package controlinterface serves the out-of-scope control-plane
// endpoints (spec.md §6.5): /livez, /readyz, and /metrics, plus a
// standard gRPC health-checking endpoint for orchestration tooling that
// expects one. Grounded on the teacher's internal/transport/http.Server
// (net.Listen up front, BaseContext wired to the orchestrator's
// lifetime, graceful Shutdown-then-Close on Stop) stripped of the
// CORS/auth middleware chain that control_interface has no use for,
// and on internal/mux/hub.go's RegisterHandlers for the
// connectrpc.com/grpchealth wiring.
package controlinterface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
)

// ServiceName identifies this process on the gRPC health-checking
// endpoint, the way the teacher's Hub advertises its own resource
// service name to grpchealth.NewStaticChecker.
const ServiceName = "tng.orchestrator"

// checker reports the two atomics the orchestrator exposes; satisfied
// by *orchestrator.Orchestrator without importing it here (orchestrator
// already imports controlinterface, so the reverse import would be a
// cycle).
type checker interface {
	Live() bool
	Ready() bool
}

// Server is a minimal net/http server implementing transport.Listener,
// so it can be handed to transport.Serve alongside the tunnel flows.
type Server struct {
	inner    *http.Server
	address  string
	listener net.Listener
	logger   *slog.Logger
}

// New builds a Server bound to address, answering /livez and /readyz
// from checker and, when metrics is non-nil, /metrics from its
// Prometheus handler.
func New(address string, checker checker, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control_interface")

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		if !checker.Live() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !checker.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	// The static checker always reports SERVING once mounted; /livez and
	// /readyz above remain the authoritative liveness signal. This only
	// exists so tooling that speaks the standard gRPC health protocol
	// (rather than polling a REST endpoint) has somewhere to ask.
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker(ServiceName)))

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("control interface listen %q: %w", address, err)
	}

	return &Server{
		inner: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		address:  address,
		listener: ln,
		logger:   logger,
	}, nil
}

// Start begins accepting connections and blocks until Stop is called
// or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("starting", "address", s.listener.Addr().String())

	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control interface serve: %w", err)
	}
	return nil
}

// Stop gracefully drains connections, forcing an immediate close if
// ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.inner.Shutdown(ctx); err != nil {
		s.logger.Error("graceful shutdown failed, forcing close", "error", err)
		return s.inner.Close()
	}
	return nil
}
