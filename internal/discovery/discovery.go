// Package discovery locates devices on network segments. Local segments fan
// out ARP, mDNS, and SSDP concurrently; remote segments fall back to an ICMP
// ping sweep. Partial records from all sources are merged by IP address.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/internal/netinfo"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// multicastTimeout bounds the mDNS and SSDP listen windows.
const multicastTimeout = 5 * time.Second

// Source yields partial device records for a segment. Implementations are
// best-effort: an error means the source contributes zero devices and must
// not fail the scan.
type Source interface {
	Discover(ctx context.Context, ipNet *net.IPNet) ([]models.DiscoveredDevice, error)
}

// Engine orchestrates discovery for one segment: classification, source
// fan-out, CIDR filtering, and merging.
type Engine struct {
	arp     Source
	mdns    Source
	ssdp    Source
	sweeper *Sweeper
	logger  *zap.Logger
}

// NewEngine creates a discovery engine with the default source set.
func NewEngine(pingConcurrency int, logger *zap.Logger) *Engine {
	return &Engine{
		arp:     NewARPSource(NewOUITable(), logger),
		mdns:    NewMDNSSource(multicastTimeout, logger),
		ssdp:    NewSSDPSource(multicastTimeout, logger),
		sweeper: NewSweeper(pingConcurrency, logger),
		logger:  logger,
	}
}

// SetPingConcurrency adjusts the sweep worker count for subsequent scans.
func (e *Engine) SetPingConcurrency(n int) {
	e.sweeper.SetConcurrency(n)
}

// Discover runs the appropriate strategy for the segment and returns the
// merged device list. The only hard failures are an unparseable CIDR or a
// failed sweep setup; individual source failures are logged and absorbed.
func (e *Engine) Discover(ctx context.Context, segment models.NetworkSegment) ([]models.DiscoveredDevice, error) {
	local, err := netinfo.IsLocalCIDR(segment.CIDR)
	if err != nil {
		return nil, err
	}

	if local {
		return e.discoverLocal(ctx, segment)
	}
	return e.discoverRemote(ctx, segment)
}

// discoverLocal runs the layer-2 capable sources concurrently and merges
// their output. The ARP source primes the cache and waits for it to settle
// before reading, so all sources share roughly the same wall-clock window.
func (e *Engine) discoverLocal(ctx context.Context, segment models.NetworkSegment) ([]models.DiscoveredDevice, error) {
	_, ipNet, err := net.ParseCIDR(segment.CIDR)
	if err != nil {
		return nil, err
	}

	sources := []struct {
		name string
		src  Source
	}{
		{"arp", e.arp},
		{"mdns", e.mdns},
		{"ssdp", e.ssdp},
	}

	var mu sync.Mutex
	var all []models.DiscoveredDevice

	var wg sync.WaitGroup
	for _, entry := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			devices, err := entry.src.Discover(ctx, ipNet)
			if err != nil {
				e.logger.Warn("discovery source failed",
					zap.String("source", entry.name),
					zap.String("cidr", segment.CIDR),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			all = append(all, devices...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	merged := Merge(all)
	e.logger.Info("local discovery complete",
		zap.String("cidr", segment.CIDR),
		zap.Int("raw_records", len(all)),
		zap.Int("devices", len(merged)),
	)
	return merged, nil
}

// discoverRemote sweeps the CIDR with ICMP. Nothing else is reachable
// across a router without layer-2 visibility.
func (e *Engine) discoverRemote(ctx context.Context, segment models.NetworkSegment) ([]models.DiscoveredDevice, error) {
	devices, err := e.sweeper.Sweep(ctx, segment.CIDR)
	if err != nil {
		return nil, err
	}

	merged := Merge(devices)
	e.logger.Info("remote discovery complete",
		zap.String("cidr", segment.CIDR),
		zap.Int("devices", len(merged)),
	)
	return merged, nil
}
