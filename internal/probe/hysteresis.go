package probe

import (
	"strings"
	"sync"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// Hysteresis suppresses status flapping: a device previously reported online
// must miss `threshold` consecutive probes before its reported status flips
// to offline. The offline-to-online direction is deliberately reported
// immediately with no debounce.
type Hysteresis struct {
	mu           sync.Mutex
	threshold    int
	failureCount map[string]int
	lastStatus   map[string]models.DeviceStatus
}

// NewHysteresis creates a hysteresis engine with the given failure threshold.
func NewHysteresis(threshold int) *Hysteresis {
	if threshold < 1 {
		threshold = 1
	}
	return &Hysteresis{
		threshold:    threshold,
		failureCount: make(map[string]int),
		lastStatus:   make(map[string]models.DeviceStatus),
	}
}

// SetThreshold changes the failure threshold. Failure counts already
// accumulated are kept and judged against the new value.
func (h *Hysteresis) SetThreshold(threshold int) {
	if threshold < 1 {
		threshold = 1
	}
	h.mu.Lock()
	h.threshold = threshold
	h.mu.Unlock()
}

// ForcedOffline reports whether the IP is a network or broadcast address,
// which is never probed and never tracked.
func ForcedOffline(ip string) bool {
	return strings.HasSuffix(ip, ".0") || strings.HasSuffix(ip, ".255")
}

// Observe folds one raw probe observation into the reported status for ip.
func (h *Hysteresis) Observe(ip string, rawOnline bool) models.DeviceStatus {
	if ForcedOffline(ip) {
		return models.DeviceStatusOffline
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if rawOnline {
		h.failureCount[ip] = 0
		h.lastStatus[ip] = models.DeviceStatusOnline
		return models.DeviceStatusOnline
	}

	// Raw offline: only a previously-online device gets its failures
	// suppressed; anything else reports offline immediately.
	if h.lastStatus[ip] != models.DeviceStatusOnline {
		h.lastStatus[ip] = models.DeviceStatusOffline
		return models.DeviceStatusOffline
	}

	if h.failureCount[ip] < h.threshold {
		h.failureCount[ip]++
		return models.DeviceStatusOnline
	}

	h.lastStatus[ip] = models.DeviceStatusOffline
	return models.DeviceStatusOffline
}

// Prune drops tracking state for every IP not in the current device set,
// bounding memory over long uptimes. IPs still present keep their state.
func (h *Hysteresis) Prune(current map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ip := range h.failureCount {
		if _, ok := current[ip]; !ok {
			delete(h.failureCount, ip)
		}
	}
	for ip := range h.lastStatus {
		if _, ok := current[ip]; !ok {
			delete(h.lastStatus, ip)
		}
	}
}

// Tracked returns the number of IPs with recorded status, for diagnostics.
func (h *Hysteresis) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lastStatus)
}
