// Package api serves the agent's local status endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/monitor"
	"github.com/sentinelops/sentinel-agent/scheduler"
)

// Status is the payload served by GET /status.
type Status struct {
	AgentID   string               `json:"agent_id"`
	StartedAt time.Time            `json:"started_at"`
	UptimeSec int64                `json:"uptime_seconds"`
	Monitors  []MonitorStatus      `json:"monitors"`
	Jobs      []scheduler.Snapshot `json:"jobs"`
}

// MonitorStatus is one monitor's health in the status payload. InAlert
// is only set for monitors that track alert state.
type MonitorStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	InAlert *bool  `json:"in_alert,omitempty"`
}

type alertStater interface {
	InAlert() bool
}

// Server exposes /healthz, /status and /metrics on a local address.
type Server struct {
	agentID    string
	startedAt  time.Time
	supervisor *monitor.Supervisor
	sched      *scheduler.Scheduler
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer builds the status server. gatherer supplies /metrics.
func NewServer(addr, agentID string, supervisor *monitor.Supervisor, sched *scheduler.Scheduler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		agentID:    agentID,
		startedAt:  time.Now(),
		supervisor: supervisor,
		sched:      sched,
		logger:     logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status api listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status api failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		AgentID:   s.agentID,
		StartedAt: s.startedAt,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.supervisor != nil {
		for _, m := range s.supervisor.Monitors() {
			ms := MonitorStatus{
				Name:    m.Name(),
				Running: m.IsRunning(),
			}
			if as, ok := m.(alertStater); ok {
				inAlert := as.InAlert()
				ms.InAlert = &inAlert
			}
			status.Monitors = append(status.Monitors, ms)
		}
	}
	if s.sched != nil {
		status.Jobs = s.sched.Jobs()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("status encode failed", zap.Error(err))
	}
}
