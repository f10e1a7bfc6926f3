package monitor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestHTTPChecker_StatusClasses(t *testing.T) {
	tests := []struct {
		name string
		code int
		want models.DeviceStatus
	}{
		{"ok", http.StatusOK, models.DeviceStatusOnline},
		{"redirect", http.StatusMovedPermanently, models.DeviceStatusOnline},
		{"client error", http.StatusNotFound, models.DeviceStatusDegraded},
		{"server error", http.StatusInternalServerError, models.DeviceStatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			// Disable redirect following so 3xx is observed as sent.
			client := &http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			}
			result := HTTPChecker{Client: client}.Check(context.Background(), models.DeviceToMonitor{
				URL: srv.URL,
			})
			assert.Equal(t, tt.want, result.Status)
		})
	}
}

func TestHTTPChecker_ConnectionFailure(t *testing.T) {
	// Unroutable TEST-NET address with an immediate-cancel context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := HTTPChecker{}.Check(ctx, models.DeviceToMonitor{URL: "http://192.0.2.1:81"})
	assert.Equal(t, models.DeviceStatusOffline, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestTCPChecker_RefusedConnection(t *testing.T) {
	// Bind a listener, note its port, close it, then dial the dead port.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.Listener.Addr().String()
	srv.Close()

	host, port := splitHostPort(t, addr)
	result := TCPChecker{}.Check(context.Background(), models.DeviceToMonitor{
		IPAddress: host,
		Port:      port,
	})
	assert.Equal(t, models.DeviceStatusOffline, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestTCPChecker_OpenPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())
	result := TCPChecker{}.Check(context.Background(), models.DeviceToMonitor{
		IPAddress: host,
		Port:      port,
	})
	assert.Equal(t, models.DeviceStatusOnline, result.Status)
	assert.Greater(t, result.LatencyMs, 0.0)
}
