package ui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velocityeu/velocitypulse-agent/internal/agent"
	"github.com/velocityeu/velocitypulse-agent/internal/testutil"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

type fakeAgent struct {
	state *agent.State
	scans chan string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{state: agent.NewState(), scans: make(chan string, 8)}
}

func (f *fakeAgent) State() *agent.State { return f.state }

func (f *fakeAgent) ScanSegment(_ context.Context, segmentID string) (int, bool) {
	f.scans <- segmentID
	return 1, true
}

func (f *fakeAgent) PingController(_ context.Context) (float64, error) {
	return 12.5, nil
}

func newTestServer(t *testing.T) (*Server, *fakeAgent, *httptest.Server) {
	t.Helper()
	fa := newFakeAgent()
	s := New("127.0.0.1:0", fa, nil, testutil.Logger())
	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)
	return s, fa, srv
}

func TestStatusEndpoint(t *testing.T) {
	_, fa, srv := newTestServer(t)
	fa.state.SetIdentity("agent-1", "org-1")
	fa.state.MergeDiscovered([]models.DiscoveredDevice{{IPAddress: "10.0.0.1"}})

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "agent-1", body["agent_id"])
	assert.Equal(t, "org-1", body["organization_id"])
	assert.Equal(t, float64(1), body["devices"])
	assert.Equal(t, false, body["connected"])
}

func TestDevicesEndpoint(t *testing.T) {
	_, fa, srv := newTestServer(t)
	fa.state.MergeDiscovered([]models.DiscoveredDevice{
		{IPAddress: "10.0.0.2", Hostname: "printer"},
	})

	resp, err := http.Get(srv.URL + "/api/v1/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Devices []models.DeviceInfo `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Devices, 1)
	assert.Equal(t, "printer", body.Devices[0].Name)
}

func TestCommandScanNow(t *testing.T) {
	_, fa, srv := newTestServer(t)
	fa.state.ReplaceSegments([]models.NetworkSegment{
		{ID: "seg-1", Name: "lan", CIDR: "192.168.1.0/24", SegmentType: models.SegmentTypeLocalScan},
	})

	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"scan_now"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case id := <-fa.scans:
		assert.Equal(t, "seg-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("scan was never triggered")
	}
}

func TestCommandScanNowSkipsRemoteSegments(t *testing.T) {
	_, fa, srv := newTestServer(t)
	fa.state.ReplaceSegments([]models.NetworkSegment{
		{ID: "seg-1", Name: "lan", CIDR: "192.168.1.0/24", SegmentType: models.SegmentTypeLocalScan},
		{ID: "seg-r", Name: "branch", CIDR: "172.16.0.0/24", SegmentType: models.SegmentTypeRemoteMonitor},
	})

	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"scan_now"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		Scanning []string `json:"scanning"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"seg-1"}, body.Scanning)

	select {
	case id := <-fa.scans:
		assert.Equal(t, "seg-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("scan was never triggered")
	}
	// The remote-monitor segment has no discovery pass to run.
	select {
	case id := <-fa.scans:
		t.Fatalf("unexpected scan of segment %q", id)
	case <-time.After(100 * time.Millisecond):
	}

	// Naming a remote segment explicitly matches nothing.
	resp2, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"scan_now","segment_id":"seg-r"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestCommandPing(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 12.5, body["latency_ms"])
}

func TestCommandRejectsUnknown(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"reboot"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandUnknownSegment(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json",
		bytes.NewBufferString(`{"command":"scan_now","segment_id":"seg-404"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogCoreBroadcastsAboveThreshold(t *testing.T) {
	h := NewHub(testutil.Logger())
	ch := make(chan []byte, 4)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	logger := zap.New(h.LogCore(zapcore.InfoLevel))
	logger.Info("segment scan complete", zap.String("segment", "lan"))
	logger.Debug("below threshold")

	require.Len(t, ch, 1)
	var frame eventFrame
	require.NoError(t, json.Unmarshal(<-ch, &frame))
	assert.Equal(t, "log", frame.Type)

	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "segment scan complete", payload["message"])
	assert.Equal(t, "info", payload["level"])
}

func TestEventStreamDeliversBroadcasts(t *testing.T) {
	s, _, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the subscription a moment to register before broadcasting.
	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.ConnectionChanged(true)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame eventFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "connection", frame.Type)
	assert.True(t, s.hub.connected())
}

func TestEventStreamUnsubscribesOnClientClose(t *testing.T) {
	s, _, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The server must notice the client's close frame even while idle, not
	// only when the next broadcast write fails.
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.subscribers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
