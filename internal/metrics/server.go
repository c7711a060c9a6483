package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is the /health response document.
type Health struct {
	Status        string                 `json:"status"` // healthy, warning, critical, unhealthy
	Timestamp     int64                  `json:"timestamp"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Components    map[string]interface{} `json:"components"`
}

// HealthFunc is supplied by the supervisor and snapshots system health.
type HealthFunc func() Health

// Server exposes /metrics (Prometheus text format) and /health.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(port int, m *Metrics, health HealthFunc, logger *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		doc := health()
		code := http.StatusOK
		if doc.Status == "critical" || doc.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Warn("write health response", zap.Error(err))
		}
	})

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger,
	}
}

// Start serves in the background; listen errors other than a clean close are
// logged, not fatal.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics listener started", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics listener failed", zap.Error(err))
		}
	}()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
