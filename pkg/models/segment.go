package models

// SegmentType distinguishes segments the agent scans directly from segments
// whose devices are monitored remotely on controller-defined checks.
type SegmentType string

const (
	SegmentTypeLocalScan     SegmentType = "local_scan"
	SegmentTypeRemoteMonitor SegmentType = "remote_monitor"
)

// NetworkSegment is a CIDR block assigned to this agent by the controller.
type NetworkSegment struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	CIDR                string      `json:"cidr"`
	ScanIntervalSeconds int         `json:"scan_interval_seconds"`
	SegmentType         SegmentType `json:"segment_type"`
}
