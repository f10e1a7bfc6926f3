// Package agent coordinates the four long-running loops of the monitoring
// agent: heartbeat, local scan, local status checks, and remote monitor
// checks. Loops share state through State and talk to the controller through
// a narrow client interface.
package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/internal/config"
	"github.com/velocityeu/velocitypulse-agent/internal/controller"
	"github.com/velocityeu/velocitypulse-agent/internal/netinfo"
	"github.com/velocityeu/velocitypulse-agent/internal/probe"
	"github.com/velocityeu/velocitypulse-agent/internal/realtime"
	"github.com/velocityeu/velocitypulse-agent/internal/version"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const (
	scanTick            = 5 * time.Second
	defaultScanInterval = 5 * time.Minute

	remoteInitialDelay = 10 * time.Second
	remoteTick         = 5 * time.Second
	remoteIdleBackoff  = 30 * time.Second

	backoffInitial = 2 * time.Second
	backoffMax     = 60 * time.Second

	autoRegisterRetry = time.Minute
)

// ControllerClient is the slice of the HTTP client the agent uses. Narrowed
// to an interface so loop behavior is testable without a live controller.
type ControllerClient interface {
	Heartbeat(ctx context.Context, req controller.HeartbeatRequest) (*controller.HeartbeatResponse, error)
	UploadDiscovered(ctx context.Context, upload controller.DiscoveredUpload) (*controller.DiscoveredUploadResult, error)
	MonitoredDevices(ctx context.Context) (*controller.DevicesResponse, error)
	UploadStatus(ctx context.Context, upload controller.StatusUpload) (*controller.StatusUploadResult, error)
	RegisterSegment(ctx context.Context, req controller.RegisterSegmentRequest) (*controller.RegisterSegmentResponse, error)
	AckCommand(ctx context.Context, commandID string, ack controller.AckRequest) error
	Ping(ctx context.Context, req controller.PingRequest) (*controller.PingResponse, error)
}

// Discoverer produces devices for one segment.
type Discoverer interface {
	Discover(ctx context.Context, segment models.NetworkSegment) ([]models.DiscoveredDevice, error)
}

// Enricher augments freshly discovered devices.
type Enricher interface {
	Enrich(ctx context.Context, devices []models.DiscoveredDevice) []models.DiscoveredDevice
}

// Prober checks reachability of one local device.
type Prober interface {
	Probe(ctx context.Context, ip string) probe.Result
}

// RemoteScheduler runs controller-defined checks that are due.
type RemoteScheduler interface {
	RunDue(ctx context.Context, devices []models.DeviceToMonitor) []models.StatusReport
}

// DeviceCache persists the device table across restarts.
type DeviceCache interface {
	SaveDevices(ctx context.Context, devices []models.DeviceInfo) error
	LoadDevices(ctx context.Context) ([]models.DeviceInfo, error)
}

// Events receives state-change notifications for the local dashboard.
// Implementations must not block; the loops call these inline.
type Events interface {
	SegmentsUpdated(segments []SegmentScanState)
	DevicesUpdated(devices []models.DeviceInfo)
	SegmentScanning(segmentID string, scanning bool)
	ConnectionChanged(connected bool)
	VersionInfo(current, latest string, upgradeAvailable bool)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SegmentsUpdated([]SegmentScanState) {}
func (NopEvents) DevicesUpdated([]models.DeviceInfo) {}
func (NopEvents) SegmentScanning(string, bool)       {}
func (NopEvents) ConnectionChanged(bool)             {}
func (NopEvents) VersionInfo(string, string, bool)   {}

// Deps bundles the collaborators an Agent needs. Zero-value optional fields
// get working defaults from New.
type Deps struct {
	Config     *config.Config
	Client     ControllerClient
	Discoverer Discoverer
	Enricher   Enricher
	Prober     Prober
	Remote     RemoteScheduler
	Cache      DeviceCache
	Upgrader   Upgrader
	Events     Events
	Logger     *zap.Logger

	// OnRestart is invoked after a restart command has been acknowledged.
	OnRestart func()

	// OnConfigApplied is invoked after an update_config command changed the
	// configuration, with the new runtime snapshot. Used to push settings
	// into collaborators the agent does not own, like enrichment toggles.
	OnConfigApplied func(config.RuntimeSettings)
}

// Agent owns the loop lifecycle and command dispatch.
type Agent struct {
	cfg        *config.Config
	client     ControllerClient
	discoverer Discoverer
	enricher   Enricher
	prober     Prober
	remote     RemoteScheduler
	cache      DeviceCache
	upgrader   Upgrader
	events     Events
	logger     *zap.Logger
	onRestart  func()
	onApplied  func(config.RuntimeSettings)

	state      *State
	hysteresis *probe.Hysteresis
	startedAt  time.Time

	cmdMu   sync.Mutex
	cmdSeen map[string]struct{}

	rtMu     sync.Mutex
	rtClient *realtime.Client
	rtCancel context.CancelFunc

	lastAutoRegister time.Time
	upgradeOnce      sync.Once
}

// New assembles an agent from its dependencies.
func New(deps Deps) *Agent {
	if deps.Events == nil {
		deps.Events = NopEvents{}
	}
	if deps.Upgrader == nil {
		deps.Upgrader = LogUpgrader{Logger: deps.Logger}
	}
	if deps.OnRestart == nil {
		deps.OnRestart = func() {}
	}
	if deps.OnConfigApplied == nil {
		deps.OnConfigApplied = func(config.RuntimeSettings) {}
	}
	return &Agent{
		cfg:        deps.Config,
		client:     deps.Client,
		discoverer: deps.Discoverer,
		enricher:   deps.Enricher,
		prober:     deps.Prober,
		remote:     deps.Remote,
		cache:      deps.Cache,
		upgrader:   deps.Upgrader,
		events:     deps.Events,
		logger:     deps.Logger,
		onRestart:  deps.OnRestart,
		onApplied:  deps.OnConfigApplied,
		state:      NewState(),
		hysteresis: probe.NewHysteresis(deps.Config.OfflineThreshold),
		startedAt:  time.Now(),
		cmdSeen:    make(map[string]struct{}),
	}
}

// State exposes the shared state for the local dashboard.
func (a *Agent) State() *State { return a.state }

// SetEvents replaces the event sink. The dashboard server needs the agent
// at construction time, so the sink is wired afterwards; call before Run.
func (a *Agent) SetEvents(e Events) {
	if e != nil {
		a.events = e
	}
}

// Run starts all loops and blocks until ctx is cancelled, then waits for the
// loops to drain and flushes the device cache.
func (a *Agent) Run(ctx context.Context) {
	if a.cache != nil {
		if cached, err := a.cache.LoadDevices(ctx); err != nil {
			a.logger.Warn("device cache load failed", zap.Error(err))
		} else {
			a.state.SeedDevices(cached)
			a.events.DevicesUpdated(a.state.Devices())
		}
	}

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		a.heartbeatLoop,
		a.scanLoop,
		a.statusLoop,
		a.remoteLoop,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()

	a.stopRealtime()
	a.flushCache()
	a.logger.Info("agent stopped")
}

func (a *Agent) flushCache() {
	if a.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cache.SaveDevices(ctx, a.state.Devices()); err != nil {
		a.logger.Warn("device cache flush failed", zap.Error(err))
	}
}

// heartbeatLoop reports liveness on the configured interval. Failures back
// off exponentially from backoffInitial to backoffMax; a success resets the
// backoff and resumes the regular cadence. The interval is re-read every
// cycle so an update_config command takes effect without a restart.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	delay := time.Duration(0) // first heartbeat fires immediately
	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := a.heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metricHeartbeatFailures.Inc()
			a.events.ConnectionChanged(false)
			a.logger.Warn("heartbeat failed", zap.Error(err), zap.Duration("retry_in", backoff))
			delay = backoff
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		a.events.ConnectionChanged(true)
		backoff = backoffInitial
		delay = a.cfg.Runtime().HeartbeatInterval
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	hostname, _ := os.Hostname()
	resp, err := a.client.Heartbeat(ctx, controller.HeartbeatRequest{
		Version:       version.Version,
		Hostname:      hostname,
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
	})
	if err != nil {
		return err
	}

	a.state.SetIdentity(resp.AgentID, resp.OrganizationID)
	if a.state.ReplaceSegments(resp.Segments) {
		a.logger.Info("segment assignments changed", zap.Int("segments", len(resp.Segments)))
		a.events.SegmentsUpdated(a.state.Segments())
	}

	a.refreshMonitored(ctx)
	a.ensureRealtime(ctx, resp)
	a.maybeUpgrade(ctx, resp)

	for _, cmd := range resp.PendingCommands {
		go a.Dispatch(ctx, cmd)
	}
	return nil
}

func (a *Agent) refreshMonitored(ctx context.Context) {
	resp, err := a.client.MonitoredDevices(ctx)
	if err != nil {
		a.logger.Warn("monitored device refresh failed", zap.Error(err))
		return
	}
	a.state.SetMonitored(resp.Devices)
}

// ensureRealtime keeps the push channel aligned with the credentials the
// controller last issued. A credential change replaces the client wholesale.
func (a *Agent) ensureRealtime(ctx context.Context, resp *controller.HeartbeatResponse) {
	if !a.cfg.Runtime().EnableRealtime || resp.SupabaseURL == "" || resp.SupabaseAnonKey == "" {
		return
	}
	creds := realtime.Credentials{
		URL:     resp.SupabaseURL,
		AnonKey: resp.SupabaseAnonKey,
		AgentID: resp.AgentID,
	}

	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	if a.rtClient != nil && a.rtClient.Credentials() == creds {
		return
	}
	if a.rtCancel != nil {
		a.rtCancel()
	}

	rtCtx, cancel := context.WithCancel(ctx)
	a.rtCancel = cancel
	a.rtClient = realtime.NewClient(creds, func(cmd models.AgentCommand) {
		go a.Dispatch(ctx, cmd)
	}, a.logger)
	go a.rtClient.Run(rtCtx)
	a.logger.Info("realtime channel configured", zap.String("agent_id", creds.AgentID))
}

func (a *Agent) stopRealtime() {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	if a.rtCancel != nil {
		a.rtCancel()
		a.rtCancel = nil
		a.rtClient = nil
	}
}

func (a *Agent) maybeUpgrade(ctx context.Context, resp *controller.HeartbeatResponse) {
	a.events.VersionInfo(version.Version, resp.LatestAgentVersion, resp.UpgradeAvailable)
	if !resp.UpgradeAvailable {
		return
	}
	if reason := a.upgradeBlockReason(resp.LatestAgentVersion); reason != "" {
		a.logger.Debug("upgrade available but blocked",
			zap.String("latest", resp.LatestAgentVersion),
			zap.String("reason", reason),
		)
		return
	}
	a.upgradeOnce.Do(func() {
		a.logger.Info("starting auto-upgrade", zap.String("version", resp.LatestAgentVersion))
		go func() {
			if err := a.upgrader.Upgrade(ctx, resp.LatestAgentVersion); err != nil {
				a.logger.Error("auto-upgrade failed", zap.Error(err))
			}
		}()
	})
}

// scanLoop wakes every scanTick and scans each due local segment. When the
// controller has assigned no segments, the primary interface network is
// registered so a fresh install discovers something on its own.
func (a *Agent) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(scanTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if len(a.state.Segments()) == 0 {
			a.autoRegisterSegment(ctx)
			continue
		}
		for _, seg := range a.state.DueSegments(time.Now()) {
			a.ScanSegment(ctx, seg.ID)
		}
	}
}

func (a *Agent) autoRegisterSegment(ctx context.Context) {
	if agentID, _ := a.state.Identity(); agentID == "" {
		return // not registered with the controller yet
	}
	if time.Since(a.lastAutoRegister) < autoRegisterRetry {
		return
	}
	a.lastAutoRegister = time.Now()

	ifaceName, cidr, err := netinfo.PrimaryInterface()
	if err != nil {
		a.logger.Warn("primary interface detection failed", zap.Error(err))
		return
	}
	resp, err := a.client.RegisterSegment(ctx, controller.RegisterSegmentRequest{
		CIDR:          cidr,
		Name:          "auto: " + ifaceName,
		InterfaceName: ifaceName,
	})
	if err != nil {
		a.logger.Warn("segment auto-registration failed", zap.Error(err))
		return
	}
	a.logger.Info("segment auto-registered",
		zap.String("cidr", cidr),
		zap.String("segment_id", resp.Segment.ID),
	)
	a.state.ReplaceSegments([]models.NetworkSegment{resp.Segment})
	a.events.SegmentsUpdated(a.state.Segments())
}

// ScanSegment runs one full discover-enrich-upload cycle for a segment.
// Concurrent calls for the same segment are collapsed to one; the duplicate
// returns 0, false. On-demand commands and the scheduler share this path.
func (a *Agent) ScanSegment(ctx context.Context, segmentID string) (devices int, ran bool) {
	seg, ok := a.state.TryBeginScan(segmentID)
	if !ok {
		return 0, false
	}
	a.events.SegmentScanning(segmentID, true)
	defer func() {
		a.state.FinishScan(segmentID, time.Now())
		a.events.SegmentScanning(segmentID, false)
		a.events.SegmentsUpdated(a.state.Segments())
	}()

	a.logger.Info("scanning segment", zap.String("segment", seg.Name), zap.String("cidr", seg.CIDR))
	found, err := a.discoverer.Discover(ctx, seg)
	if err != nil {
		metricScansTotal.WithLabelValues("error").Inc()
		a.logger.Error("segment scan failed", zap.String("segment", seg.Name), zap.Error(err))
		return 0, true
	}
	if a.enricher != nil {
		found = a.enricher.Enrich(ctx, found)
	}

	metricScansTotal.WithLabelValues("ok").Inc()
	metricDevicesDiscovered.Add(float64(len(found)))
	a.state.MergeDiscovered(found)
	a.events.DevicesUpdated(a.state.Devices())

	result, err := a.client.UploadDiscovered(ctx, controller.DiscoveredUpload{
		ScanID:        uuid.NewString(),
		SegmentID:     seg.ID,
		ScanTimestamp: time.Now().UTC(),
		Devices:       found,
	})
	if err != nil {
		a.logger.Warn("discovered device upload failed", zap.Error(err))
		return len(found), true
	}
	a.logger.Info("scan uploaded",
		zap.String("segment", seg.Name),
		zap.Int("devices", len(found)),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
	)
	return len(found), true
}

// statusLoop probes local devices on the configured interval, applies
// offline hysteresis, and uploads reports for controller-tracked devices.
// Interval and threshold are re-read every cycle so update_config applies
// without a restart.
func (a *Agent) statusLoop(ctx context.Context) {
	for {
		rt := a.cfg.Runtime()
		select {
		case <-ctx.Done():
			return
		case <-time.After(rt.StatusCheckInterval):
		}
		a.hysteresis.SetThreshold(a.cfg.Runtime().OfflineThreshold)
		a.runStatusCycle(ctx)
	}
}

func (a *Agent) runStatusCycle(ctx context.Context) {
	devices := a.state.Devices()
	if len(devices) == 0 {
		metricTrackedDevices.Set(0)
		return
	}

	current := make(map[string]struct{}, len(devices))
	reports := make([]models.StatusReport, 0, len(devices))
	now := time.Now().UTC()
	tracked := 0

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}
		current[dev.IP] = struct{}{}

		var (
			status models.DeviceStatus
			result probe.Result
		)
		if probe.ForcedOffline(dev.IP) {
			status = models.DeviceStatusOffline
		} else {
			result = a.prober.Probe(ctx, dev.IP)
			status = a.hysteresis.Observe(dev.IP, result.Online)
		}
		metricStatusProbes.WithLabelValues(string(status)).Inc()

		a.state.SetDeviceStatus(dev.IP, status, result.LatencyMs, now)

		// Every known device is checked so the dashboard stays current,
		// but only devices the controller has assigned an ID go into the
		// upload; it cannot attribute a report without one.
		if dev.ID == "" {
			continue
		}
		tracked++
		reports = append(reports, models.StatusReport{
			DeviceID:       dev.ID,
			IPAddress:      dev.IP,
			Status:         status,
			ResponseTimeMs: result.LatencyMs,
			CheckType:      reportCheckType(result),
			CheckedAt:      now,
			Method:         result.Method,
		})
	}
	metricTrackedDevices.Set(float64(tracked))
	a.hysteresis.Prune(current)
	a.events.DevicesUpdated(a.state.Devices())

	if len(reports) == 0 {
		return
	}
	if _, err := a.client.UploadStatus(ctx, controller.StatusUpload{Reports: reports}); err != nil {
		a.logger.Warn("status upload failed", zap.Error(err), zap.Int("reports", len(reports)))
	}
}

// reportCheckType names the check that produced a probe result. The cascade
// falls back to TCP dials when ICMP goes unanswered; forced-offline entries
// never ran a probe and report as ping.
func reportCheckType(result probe.Result) models.CheckType {
	if result.Online && result.Method != "" && result.Method != "ICMP" {
		return models.CheckTypeTCP
	}
	return models.CheckTypePing
}

// remoteLoop runs controller-defined checks against devices the agent
// cannot discover locally. It starts after a short delay so the first
// heartbeat can deliver the device list, and idles longer when the list is
// empty.
func (a *Agent) remoteLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(remoteInitialDelay):
	}

	for {
		devices := a.remoteMonitorTargets()
		if len(devices) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remoteIdleBackoff):
			}
			continue
		}

		reports := a.remote.RunDue(ctx, devices)
		for _, r := range reports {
			metricRemoteChecks.WithLabelValues(string(r.CheckType)).Inc()
		}
		if len(reports) > 0 {
			if _, err := a.client.UploadStatus(ctx, controller.StatusUpload{Reports: reports}); err != nil {
				a.logger.Warn("remote check upload failed", zap.Error(err), zap.Int("reports", len(reports)))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remoteTick):
		}
	}
}

// remoteMonitorTargets filters the monitored list down to devices belonging
// to remote-monitor segments; everything else is covered by the local
// status loop.
func (a *Agent) remoteMonitorTargets() []models.DeviceToMonitor {
	remoteSegments := make(map[string]struct{})
	for _, st := range a.state.Segments() {
		if st.Segment.SegmentType == models.SegmentTypeRemoteMonitor {
			remoteSegments[st.Segment.ID] = struct{}{}
		}
	}
	if len(remoteSegments) == 0 {
		return nil
	}

	var out []models.DeviceToMonitor
	for _, d := range a.state.Monitored() {
		if _, ok := remoteSegments[d.SegmentID]; ok {
			out = append(out, d)
		}
	}
	return out
}
