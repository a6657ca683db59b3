// ABOUTME: HTTP server exposing metrics to Prometheus
// ABOUTME: Serves /metrics and /health until its context ends
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves a registry over HTTP
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server for addr (":9464" style)
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Listen binds the address; Serve must follow
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve blocks until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("Serving metrics", "addr", s.Addr())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
