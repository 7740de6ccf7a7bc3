// Package statusserver exposes the agent's operational surface over HTTP:
// liveness, a status report for the CLI, and Prometheus metrics.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the status endpoint.
type Config struct {
	// Addr is the listen address. Empty disables the server.
	Addr string

	// Version is reported on /status.
	Version string
}

// Server serves /healthz, /status, and /metrics. A server with an empty
// addr is a no-op; Start and Stop still work.
type Server struct {
	cfg        Config
	statusFn   func() any
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New creates a status server. statusFn supplies the live portion of the
// /status report and may be nil.
func New(cfg Config, statusFn func() any, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		statusFn: statusFn,
		logger:   logger.With("component", "statusserver"),
	}
}

// Start begins listening. It returns once the listener is bound; serving
// happens on a background goroutine.
func (s *Server) Start() error {
	if s.cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.httpServer = server
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := map[string]any{
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}
	if s.statusFn != nil {
		report["agent"] = s.statusFn()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn("status encode error", "error", err)
	}
}
