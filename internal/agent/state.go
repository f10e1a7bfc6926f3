package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// SegmentScanState is the externally visible view of one assigned segment.
type SegmentScanState struct {
	Segment  models.NetworkSegment `json:"segment"`
	LastScan time.Time             `json:"last_scan"`
	Scanning bool                  `json:"scanning"`
}

// State is the mutable data shared by the agent loops, the command
// dispatcher, and the local UI. All access goes through its methods; the
// mutex is never exposed.
type State struct {
	mu sync.Mutex

	agentID        string
	organizationID string

	segments  map[string]*segmentState
	devices   map[string]models.DeviceInfo
	monitored []models.DeviceToMonitor
}

type segmentState struct {
	segment  models.NetworkSegment
	lastScan time.Time
	scanning bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		segments: make(map[string]*segmentState),
		devices:  make(map[string]models.DeviceInfo),
	}
}

// SetIdentity records the agent and organization IDs assigned by the
// controller.
func (s *State) SetIdentity(agentID, organizationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
	s.organizationID = organizationID
}

// Identity returns the controller-assigned IDs; empty until the first
// successful heartbeat.
func (s *State) Identity() (agentID, organizationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID, s.organizationID
}

// ReplaceSegments reconciles the assignment list from a heartbeat. Scan
// bookkeeping for surviving segments is preserved; removed segments are
// dropped along with their state. Returns true when the set of segment IDs
// or any segment definition changed.
func (s *State) ReplaceSegments(segments []models.NetworkSegment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := len(segments) != len(s.segments)
	next := make(map[string]*segmentState, len(segments))
	for _, seg := range segments {
		if prev, ok := s.segments[seg.ID]; ok {
			if prev.segment != seg {
				changed = true
			}
			prev.segment = seg
			next[seg.ID] = prev
			continue
		}
		changed = true
		next[seg.ID] = &segmentState{segment: seg}
	}
	s.segments = next
	return changed
}

// Segments returns a snapshot of segment scan state sorted by name.
func (s *State) Segments() []SegmentScanState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SegmentScanState, 0, len(s.segments))
	for _, st := range s.segments {
		out = append(out, SegmentScanState{
			Segment:  st.segment,
			LastScan: st.lastScan,
			Scanning: st.scanning,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment.Name < out[j].Segment.Name })
	return out
}

// DueSegments returns local-scan segments whose interval has elapsed and
// which are not currently scanning. It does not claim them; call
// TryBeginScan before scanning.
func (s *State) DueSegments(now time.Time) []models.NetworkSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.NetworkSegment
	for _, st := range s.segments {
		if st.segment.SegmentType != models.SegmentTypeLocalScan || st.scanning {
			continue
		}
		interval := time.Duration(st.segment.ScanIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = defaultScanInterval
		}
		if st.lastScan.IsZero() || now.Sub(st.lastScan) >= interval {
			due = append(due, st.segment)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

// TryBeginScan atomically claims a segment for scanning. Returns false when
// the segment is unknown or a scan is already in flight, which keeps
// scheduled and on-demand scans from overlapping.
func (s *State) TryBeginScan(segmentID string) (models.NetworkSegment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.segments[segmentID]
	if !ok || st.scanning {
		return models.NetworkSegment{}, false
	}
	st.scanning = true
	return st.segment, true
}

// FinishScan releases a claimed segment and stamps its last scan time. Must
// be called exactly once per successful TryBeginScan, success or failure.
func (s *State) FinishScan(segmentID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.segments[segmentID]; ok {
		st.scanning = false
		st.lastScan = at
	}
}

// MarkScanDue clears a segment's last scan stamp so the next scheduler pass
// picks it up. With an empty segmentID every segment becomes due.
func (s *State) MarkScanDue(segmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.segments {
		if segmentID == "" || id == segmentID {
			st.lastScan = time.Time{}
		}
	}
}

// MergeDiscovered folds scan results into the device table keyed by IP.
// Identity fields (name, MAC, controller ID) are refreshed while liveness
// fields from the status loop are preserved, so the two writers never
// clobber each other.
func (s *State) MergeDiscovered(devices []models.DiscoveredDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range devices {
		if d.IPAddress == "" {
			continue
		}
		cur := s.devices[d.IPAddress]
		cur.IP = d.IPAddress
		if d.Hostname != "" {
			cur.Name = d.Hostname
		}
		if d.MACAddress != "" {
			cur.MAC = d.MACAddress
		}
		if cur.Status == "" {
			cur.Status = models.DeviceStatusUnknown
		}
		s.devices[d.IPAddress] = cur
	}
}

// SetDeviceStatus records a probe outcome for one device, preserving the
// identity fields owned by the scan loop.
func (s *State) SetDeviceStatus(ip string, status models.DeviceStatus, responseTimeMs float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[ip]
	if !ok {
		cur = models.DeviceInfo{IP: ip}
	}
	cur.Status = status
	cur.ResponseTimeMs = responseTimeMs
	cur.LastCheck = at
	s.devices[ip] = cur
}

// SeedDevices loads a cached device table without overwriting anything
// learned since startup.
func (s *State) SeedDevices(devices []models.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range devices {
		if d.IP == "" {
			continue
		}
		if _, ok := s.devices[d.IP]; !ok {
			s.devices[d.IP] = d
		}
	}
}

// Devices returns a snapshot of the device table sorted by IP.
func (s *State) Devices() []models.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// SetMonitored replaces the controller's monitored-device list and copies
// controller-assigned IDs onto matching entries in the device table.
func (s *State) SetMonitored(devices []models.DeviceToMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.monitored = append([]models.DeviceToMonitor(nil), devices...)
	for _, d := range devices {
		if cur, ok := s.devices[d.IPAddress]; ok {
			cur.ID = d.ID
			if cur.Name == "" {
				cur.Name = d.Name
			}
			s.devices[d.IPAddress] = cur
		}
	}
}

// Monitored returns the current monitored-device list.
func (s *State) Monitored() []models.DeviceToMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeviceToMonitor(nil), s.monitored...)
}
