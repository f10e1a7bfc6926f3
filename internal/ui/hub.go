package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velocityeu/velocitypulse-agent/internal/agent"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// eventFrame is one message on the dashboard websocket.
type eventFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans agent events out to connected dashboard websockets. Slow clients
// get dropped rather than blocking the loops feeding the hub. Created
// separately from the Server so the application logger can tee into it
// before the rest of the wiring exists.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	logger      *zap.Logger

	controllerUp atomic.Bool
}

// NewHub creates an event hub with no subscribers.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan []byte]struct{}),
		logger:      logger,
	}
}

func (h *Hub) connected() bool { return h.controllerUp.Load() }

func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}()

	// CloseRead keeps the read side drained so control frames (pings, the
	// client's close) are processed; its context ends when the peer goes
	// away, which is also our signal to stop writing.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// broadcast must not log: the application logger may tee into this hub, and
// logging here would recurse.
func (h *Hub) broadcast(frameType string, payload any) {
	frame, err := json.Marshal(eventFrame{Type: frameType, Payload: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- frame:
		default:
			// Buffer full: the client is too slow, cut it loose.
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// LogCore returns a zapcore.Core that mirrors log entries at or above min
// onto the event stream as "log" frames. Tee it with the application core.
func (h *Hub) LogCore(min zapcore.Level) zapcore.Core {
	return &logCore{LevelEnabler: min, hub: h}
}

type logCore struct {
	zapcore.LevelEnabler
	hub    *Hub
	fields []zapcore.Field
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logCore{LevelEnabler: c.LevelEnabler, hub: c.hub}
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.hub.broadcast("log", map[string]any{
		"level":   ent.Level.String(),
		"time":    ent.Time,
		"message": ent.Message,
		"fields":  enc.Fields,
	})
	return nil
}

func (c *logCore) Sync() error { return nil }

// The Server forwards agent events to the hub; it is the agent.Events
// implementation handed to agent.New.

var _ agent.Events = (*Server)(nil)

func (s *Server) SegmentsUpdated(segments []agent.SegmentScanState) {
	s.hub.broadcast("segments", map[string]any{"segments": segments})
}

func (s *Server) DevicesUpdated(devices []models.DeviceInfo) {
	s.hub.broadcast("devices", map[string]any{"devices": devices})
}

func (s *Server) SegmentScanning(segmentID string, scanning bool) {
	s.hub.broadcast("segment_scanning", map[string]any{
		"segment_id": segmentID,
		"scanning":   scanning,
	})
}

func (s *Server) ConnectionChanged(connected bool) {
	s.hub.controllerUp.Store(connected)
	s.hub.broadcast("connection", map[string]any{"connected": connected})
}

func (s *Server) VersionInfo(current, latest string, upgradeAvailable bool) {
	s.hub.broadcast("version", map[string]any{
		"current":           current,
		"latest":            latest,
		"upgrade_available": upgradeAvailable,
	})
}
