// Package monitor runs controller-defined health checks against devices on
// remote-monitor segments. Each device carries its own check type and
// cadence; the scheduler dispatches a check only once that device's
// individual interval has elapsed.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const defaultCheckInterval = 60 * time.Second

// Scheduler tracks per-device last-check timestamps and dispatches due
// checks. Safe for use from a single loop; the timestamp map is guarded
// anyway since pruning may race a slow check batch.
type Scheduler struct {
	mu        sync.Mutex
	lastCheck map[string]time.Time
	now       func() time.Time

	ping Checker
	tcp  Checker
	http Checker
	dns  Checker
	ssl  Checker

	logger *zap.Logger
}

// NewScheduler creates a scheduler with the production checker set.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		lastCheck: make(map[string]time.Time),
		now:       time.Now,
		ping:      PingChecker{},
		tcp:       TCPChecker{},
		http:      HTTPChecker{},
		dns:       DNSChecker{},
		ssl:       SSLChecker{},
		logger:    logger,
	}
}

// RunDue executes every check whose device interval has elapsed and returns
// their reports. Devices not yet due produce nothing. Tracking state for
// devices no longer in the monitored set is pruned.
func (s *Scheduler) RunDue(ctx context.Context, devices []models.DeviceToMonitor) []models.StatusReport {
	due := s.takeDue(devices)
	if len(due) == 0 {
		s.prune(devices)
		return nil
	}

	reports := make([]models.StatusReport, len(due))
	var wg sync.WaitGroup
	for i, device := range due {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = s.runCheck(ctx, device)
		}()
	}
	wg.Wait()

	s.prune(devices)
	return reports
}

// takeDue returns the devices whose interval has elapsed and stamps them as
// checked. Stamping before the check keeps a slow probe from being
// re-dispatched by the next scheduler pass.
func (s *Scheduler) takeDue(devices []models.DeviceToMonitor) []models.DeviceToMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []models.DeviceToMonitor
	for _, device := range devices {
		interval := time.Duration(device.CheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = defaultCheckInterval
		}
		last, seen := s.lastCheck[device.ID]
		if seen && now.Sub(last) < interval {
			continue
		}
		s.lastCheck[device.ID] = now
		due = append(due, device)
	}
	return due
}

// runCheck dispatches one device to its checker. The switch is exhaustive
// over CheckType; anything unrecognized falls back to ping.
func (s *Scheduler) runCheck(ctx context.Context, device models.DeviceToMonitor) models.StatusReport {
	var checker Checker
	switch device.CheckType {
	case models.CheckTypePing:
		checker = s.ping
	case models.CheckTypeTCP:
		checker = s.tcp
	case models.CheckTypeHTTP:
		checker = s.http
	case models.CheckTypeDNS:
		checker = s.dns
	case models.CheckTypeSSL:
		checker = s.ssl
	default:
		checker = s.ping
	}

	result := checker.Check(ctx, device)

	s.logger.Debug("remote check complete",
		zap.String("device_id", device.ID),
		zap.String("check_type", string(device.CheckType)),
		zap.String("status", string(result.Status)),
	)

	return models.StatusReport{
		DeviceID:       device.ID,
		IPAddress:      device.IPAddress,
		Status:         result.Status,
		ResponseTimeMs: result.LatencyMs,
		CheckType:      device.CheckType,
		CheckedAt:      s.now().UTC(),
		Method:         result.Method,
		Error:          result.Error,
		Certificate:    result.Certificate,
	}
}

// prune drops timestamps for device IDs no longer monitored, mirroring the
// hysteresis engine's pruning discipline.
func (s *Scheduler) prune(devices []models.DeviceToMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		current[d.ID] = struct{}{}
	}
	for id := range s.lastCheck {
		if _, ok := current[id]; !ok {
			delete(s.lastCheck, id)
		}
	}
}

// Tracked returns the number of devices with a recorded check timestamp.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastCheck)
}
