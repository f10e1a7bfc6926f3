package controller

import (
	"time"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// HeartbeatRequest reports the agent's identity and liveness.
type HeartbeatRequest struct {
	Version       string `json:"version"`
	Hostname      string `json:"hostname"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HeartbeatResponse carries segment assignments, pending commands, realtime
// credentials, and upgrade availability back to the agent.
type HeartbeatResponse struct {
	AgentID            string                  `json:"agent_id"`
	OrganizationID     string                  `json:"organization_id"`
	Segments           []models.NetworkSegment `json:"segments"`
	SupabaseURL        string                  `json:"supabase_url,omitempty"`
	SupabaseAnonKey    string                  `json:"supabase_anon_key,omitempty"`
	LatestAgentVersion string                  `json:"latest_agent_version,omitempty"`
	UpgradeAvailable   bool                    `json:"upgrade_available,omitempty"`
	PendingCommands    []models.AgentCommand   `json:"pending_commands,omitempty"`
}

// DiscoveredUpload is one scan's worth of devices for a segment. ScanID
// identifies the scan run so retried uploads are deduplicated server-side.
type DiscoveredUpload struct {
	ScanID        string                    `json:"scan_id"`
	SegmentID     string                    `json:"segment_id"`
	ScanTimestamp time.Time                 `json:"scan_timestamp"`
	Devices       []models.DiscoveredDevice `json:"devices"`
}

// DiscoveredUploadResult summarizes how the controller absorbed an upload.
type DiscoveredUploadResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// DevicesResponse lists the devices the controller wants monitored.
type DevicesResponse struct {
	Devices []models.DeviceToMonitor `json:"devices"`
}

// StatusUpload batches check results for tracked devices.
type StatusUpload struct {
	Reports []models.StatusReport `json:"reports"`
}

// StatusUploadResult reports per-batch ingestion outcome.
type StatusUploadResult struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// RegisterSegmentRequest auto-registers a segment when the controller has
// assigned none.
type RegisterSegmentRequest struct {
	CIDR          string `json:"cidr"`
	Name          string `json:"name"`
	InterfaceName string `json:"interface_name"`
}

// RegisterSegmentResponse returns the created segment.
type RegisterSegmentResponse struct {
	Segment models.NetworkSegment `json:"segment"`
}

// AckRequest acknowledges a command with its outcome.
type AckRequest struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PingRequest measures controller round-trip latency.
type PingRequest struct {
	AgentTimestamp time.Time `json:"agent_timestamp"`
	CommandID      string    `json:"command_id,omitempty"`
}

// PingResponse carries the measured latency.
type PingResponse struct {
	LatencyMs float64 `json:"latency_ms"`
}
