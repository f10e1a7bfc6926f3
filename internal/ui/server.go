// Package ui serves the local dashboard API on a loopback address: JSON
// snapshots of agent state, a websocket event stream, a small command
// surface, and Prometheus metrics.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/internal/agent"
	"github.com/velocityeu/velocitypulse-agent/internal/version"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// AgentControl is the slice of the agent the dashboard drives.
type AgentControl interface {
	State() *agent.State
	ScanSegment(ctx context.Context, segmentID string) (devices int, ran bool)
	PingController(ctx context.Context) (latencyMs float64, err error)
}

// Server is the local dashboard server. It also implements agent.Events so
// loop activity flows straight to connected websocket clients.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	agent      AgentControl
	hub        *Hub
	logger     *zap.Logger
	startedAt  time.Time
}

// New creates a dashboard server listening on addr. Pass the Hub the
// application logger tees into, or nil for a standalone one.
func New(addr string, ctrl AgentControl, hub *Hub, logger *zap.Logger) *Server {
	if hub == nil {
		hub = NewHub(logger)
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:       mux,
		agent:     ctrl,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/devices", s.handleDevices)
	s.mux.HandleFunc("GET /api/v1/segments", s.handleSegments)
	s.mux.HandleFunc("GET /api/v1/events", s.hub.handleSubscribe)
	s.mux.HandleFunc("POST /api/v1/commands", s.handleCommand)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting dashboard server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and disconnects event clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down dashboard server")
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"service": "velocitypulse-agent",
		"version": version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	agentID, orgID := s.agent.State().Identity()
	writeJSON(w, map[string]any{
		"agent_id":        agentID,
		"organization_id": orgID,
		"version":         version.Version,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"connected":       s.hub.connected(),
		"devices":         len(s.agent.State().Devices()),
		"segments":        len(s.agent.State().Segments()),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"devices": s.agent.State().Devices()})
}

func (s *Server) handleSegments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"segments": s.agent.State().Segments()})
}

// handleCommand accepts the two operations the dashboard exposes: an
// immediate scan of one or all segments, and a controller latency ping.
// Controller commands never come through here.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command   string `json:"command"`
		SegmentID string `json:"segment_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch req.Command {
	case "scan_now":
	case "ping":
		latency, err := s.agent.PingController(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"latency_ms": latency})
		return
	default:
		http.Error(w, fmt.Sprintf("unsupported command %q", req.Command), http.StatusBadRequest)
		return
	}

	// Only local segments are scannable; remote-monitor segments have no
	// discovery pass to trigger.
	segments := s.agent.State().Segments()
	var targets []string
	for _, st := range segments {
		if st.Segment.SegmentType != models.SegmentTypeLocalScan {
			continue
		}
		if req.SegmentID == "" || st.Segment.ID == req.SegmentID {
			targets = append(targets, st.Segment.ID)
		}
	}
	if len(targets) == 0 {
		http.Error(w, "no matching segment", http.StatusNotFound)
		return
	}

	for _, id := range targets {
		go s.agent.ScanSegment(context.WithoutCancel(r.Context()), id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"scanning": targets})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
