package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/salonkit/concierge/internal/observability"
	"github.com/salonkit/concierge/internal/realtime"
)

// HealthSource exposes the connection pool state for the health endpoint.
type HealthSource interface {
	Stats() realtime.PoolStats
	Healthy() bool
}

// Server serves /healthz and /metrics.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	pool       HealthSource
	logger     *observability.Logger
}

// NewServer builds the HTTP server. The registry backs /metrics.
func NewServer(addr string, pool HealthSource, registry *prometheus.Registry, logger *observability.Logger) *Server {
	s := &Server{pool: pool, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting http server", "addr", s.httpServer.Addr)
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status        string                  `json:"status"`
	Ready         int                     `json:"ready"`
	Conversations int                     `json:"conversations"`
	Sessions      []realtime.SessionStats `json:"sessions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	resp := healthResponse{
		Status:        "ok",
		Ready:         stats.Ready,
		Conversations: stats.Conversations,
		Sessions:      stats.Sessions,
	}

	code := http.StatusOK
	if !s.pool.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
