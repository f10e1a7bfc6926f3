package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000/api/agent", cfg.ControllerURL)
	assert.Equal(t, 60, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 30, cfg.StatusCheckIntervalSeconds)
	assert.Equal(t, 2, cfg.OfflineThreshold)
	assert.Equal(t, 50, cfg.PingConcurrency)
	assert.True(t, cfg.EnablePortScan)
	assert.True(t, cfg.EnableSNMP)
	assert.Equal(t, "public", cfg.SNMPCommunity)
	assert.True(t, cfg.EnableRealtime)
	assert.False(t, cfg.EnableAutoUpgrade)
	assert.False(t, cfg.AllowMinorUpgrade)
	assert.Equal(t, "127.0.0.1:8090", cfg.UIListenAddr)
	assert.Equal(t, "velocitypulse.db", cfg.CachePath)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controller_url: https://pulse.example.com/api/agent
api_key: vp_secret
status_check_interval_seconds: 45
enable_snmp: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://pulse.example.com/api/agent", cfg.ControllerURL)
	assert.Equal(t, "vp_secret", cfg.APIKey)
	assert.Equal(t, 45, cfg.StatusCheckIntervalSeconds)
	assert.False(t, cfg.EnableSNMP)
	// Untouched fields keep their defaults.
	assert.Equal(t, 2, cfg.OfflineThreshold)
}

func TestLoadClampsHeartbeatFloor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval_seconds: 5\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.HeartbeatIntervalSeconds)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty controller url", `controller_url: ""`},
		{"status interval too small", "status_check_interval_seconds: 1"},
		{"zero offline threshold", "offline_threshold: 0"},
		{"zero concurrency", "ping_concurrency: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agent.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml+"\n"), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	changed, err := cfg.ApplyUpdate(map[string]any{
		"status_check_interval_seconds": float64(45), // JSON numbers decode as float64
		"enable_auto_upgrade":           true,
		"offline_threshold":             2, // unchanged
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"status_check_interval_seconds", "enable_auto_upgrade"}, changed)
	assert.Equal(t, 45, cfg.StatusCheckIntervalSeconds)
	assert.True(t, cfg.EnableAutoUpgrade)
}

func TestApplyUpdateRejectsWholesale(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	// One bad field rejects the whole update, including the valid one.
	_, err = cfg.ApplyUpdate(map[string]any{
		"status_check_interval_seconds": 45,
		"ping_concurrency":              0,
	})
	require.Error(t, err)
	assert.Equal(t, 30, cfg.StatusCheckIntervalSeconds)
	assert.Equal(t, 50, cfg.PingConcurrency)
}

func TestApplyUpdateUnknownField(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.ApplyUpdate(map[string]any{"api_key": "nope"})
	assert.ErrorContains(t, err, "unknown config field")
}

func TestApplyUpdateTypeChecks(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.ApplyUpdate(map[string]any{"enable_snmp": "yes"})
	assert.ErrorContains(t, err, "expected boolean")

	_, err = cfg.ApplyUpdate(map[string]any{"offline_threshold": 2.5})
	assert.ErrorContains(t, err, "expected integer")

	_, err = cfg.ApplyUpdate(map[string]any{"heartbeat_interval_seconds": 30})
	assert.ErrorContains(t, err, "out of range")
}

func TestRuntimeReflectsApplyUpdate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	rt := cfg.Runtime()
	assert.Equal(t, 60*time.Second, rt.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, rt.StatusCheckInterval)
	assert.Equal(t, 2, rt.OfflineThreshold)
	assert.True(t, rt.EnablePortScan)

	_, err = cfg.ApplyUpdate(map[string]any{
		"heartbeat_interval_seconds": 120,
		"offline_threshold":          5,
		"enable_port_scan":           false,
	})
	require.NoError(t, err)

	rt = cfg.Runtime()
	assert.Equal(t, 2*time.Minute, rt.HeartbeatInterval)
	assert.Equal(t, 5, rt.OfflineThreshold)
	assert.False(t, rt.EnablePortScan)
}
