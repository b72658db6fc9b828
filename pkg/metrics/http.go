package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer serves /metrics and the health endpoints
type HTTPServer struct {
	server *http.Server
	lis    net.Listener
}

// NewHTTPServer creates the observability HTTP server for checker
func NewHTTPServer(checker *HealthChecker) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", checker.HealthHandler())
	mux.HandleFunc("/ready", checker.ReadyHandler())
	mux.HandleFunc("/live", checker.LivenessHandler())

	return &HTTPServer{
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start binds addr and serves in the background
func (s *HTTPServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = lis
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			UpdateComponent(ComponentAPI, false, err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address
func (s *HTTPServer) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop shuts the server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
