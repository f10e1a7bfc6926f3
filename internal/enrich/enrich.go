// Package enrich augments merged discovery results with open ports, service
// banners, OS heuristics, and SNMP system info. Everything here is
// best-effort: a device that yields nothing is a normal outcome, and no
// enrichment failure ever fails a scan.
package enrich

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// batchSize bounds simultaneous outbound connection bursts: batches run
// strictly sequentially, devices within a batch concurrently.
const batchSize = 5

// Options toggles the optional enrichment steps.
type Options struct {
	PortScan      bool
	SNMP          bool
	SNMPCommunity string
}

// DefaultOptions enables every step with the conventional read-only
// community string.
func DefaultOptions() Options {
	return Options{PortScan: true, SNMP: true, SNMPCommunity: "public"}
}

// Pipeline enriches device records in bounded batches.
type Pipeline struct {
	mu     sync.Mutex
	opts   Options
	logger *zap.Logger
}

// NewPipeline creates an enrichment pipeline.
func NewPipeline(opts Options, logger *zap.Logger) *Pipeline {
	if opts.SNMPCommunity == "" {
		opts.SNMPCommunity = "public"
	}
	return &Pipeline{opts: opts, logger: logger}
}

// SetOptions replaces the step toggles for subsequent Enrich calls. An
// Enrich already running keeps the options it snapshotted at entry.
func (p *Pipeline) SetOptions(opts Options) {
	if opts.SNMPCommunity == "" {
		opts.SNMPCommunity = "public"
	}
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

func (p *Pipeline) options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Enrich processes the device list in sequential batches of batchSize,
// enriching devices within a batch concurrently. Each device is fault
// isolated: a panic or error on one device leaves the others untouched.
// The input slice is modified in place and returned.
func (p *Pipeline) Enrich(ctx context.Context, devices []models.DiscoveredDevice) []models.DiscoveredDevice {
	opts := p.options()
	for start := 0; start < len(devices); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > len(devices) {
			end = len(devices)
		}
		p.enrichBatch(ctx, opts, devices[start:end])
	}
	return devices
}

func (p *Pipeline) enrichBatch(ctx context.Context, opts Options, batch []models.DiscoveredDevice) {
	done := make(chan struct{})
	for i := range batch {
		go func(device *models.DiscoveredDevice) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Debug("enrichment panic recovered",
						zap.String("ip", device.IPAddress),
						zap.Any("panic", r),
					)
				}
				done <- struct{}{}
			}()
			p.enrichDevice(ctx, opts, device)
		}(&batch[i])
	}
	for range batch {
		<-done
	}
}

// enrichDevice runs the enrichment steps for one device in order: port
// scan, banner grab, OS heuristic, SNMP. Later steps consume earlier
// results (banners need open ports, the OS heuristic reads port signals).
func (p *Pipeline) enrichDevice(ctx context.Context, opts Options, device *models.DiscoveredDevice) {
	if opts.PortScan {
		ports, services := scanPorts(ctx, device.IPAddress)
		for _, port := range ports {
			device.OpenPorts = appendPort(device.OpenPorts, port)
		}
		for _, svc := range services {
			device.Services = appendHint(device.Services, svc)
		}

		for _, svc := range grabBanners(ctx, device.IPAddress, device.OpenPorts) {
			device.Services = appendHint(device.Services, svc)
		}
	}

	detectOS(ctx, device)

	if opts.SNMP {
		info, err := querySNMP(device.IPAddress, opts.SNMPCommunity)
		if err != nil {
			p.logger.Debug("snmp enrichment skipped",
				zap.String("ip", device.IPAddress),
				zap.Error(err),
			)
		} else {
			device.SNMPInfo = info
			// sysName backfills a missing hostname, never replaces one.
			if device.Hostname == "" && info.SysName != "" {
				device.Hostname = info.SysName
			}
		}
	}
}

// appendPort adds a port if not already present.
func appendPort(ports []int, port int) []int {
	for _, p := range ports {
		if p == port {
			return ports
		}
	}
	return append(ports, port)
}
