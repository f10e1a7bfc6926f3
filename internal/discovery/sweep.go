package discovery

import (
	"context"
	"runtime"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velocityeu/velocitypulse-agent/internal/netinfo"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const (
	defaultSweepConcurrency = 50
	sweepPingTimeout        = 2 * time.Second
	// sweepRateLimit caps outbound probe starts per second so a sweep stays
	// a good citizen on customer networks.
	sweepRateLimit = rate.Limit(200)
)

// Sweeper performs a concurrency-bounded ICMP ping sweep across a CIDR.
// Used for remote segments where layer-2 discovery is unavailable; a device
// is discovered iff it answers a ping. MAC and manufacturer are unavailable
// across a router and left absent.
type Sweeper struct {
	mu          sync.Mutex
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewSweeper creates a ping sweeper with the given worker count.
func NewSweeper(concurrency int, logger *zap.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	return &Sweeper{
		concurrency: concurrency,
		limiter:     rate.NewLimiter(sweepRateLimit, concurrency),
		logger:      logger,
	}
}

// SetConcurrency adjusts the worker count for subsequent sweeps. A sweep
// already in flight keeps the pool it started with.
func (s *Sweeper) SetConcurrency(n int) {
	if n <= 0 {
		n = defaultSweepConcurrency
	}
	s.mu.Lock()
	s.concurrency = n
	s.limiter = rate.NewLimiter(sweepRateLimit, n)
	s.mu.Unlock()
}

func (s *Sweeper) pool() (int, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency, s.limiter
}

// sweepHit is one responding address with its measured round-trip time and
// the TTL of the reply.
type sweepHit struct {
	IP  string
	RTT time.Duration
	TTL int
}

// Sweep pings every usable address in the CIDR through a fixed worker pool
// draining a shared channel. Non-responding addresses produce nothing.
func (s *Sweeper) Sweep(ctx context.Context, cidr string) ([]models.DiscoveredDevice, error) {
	hosts, err := netinfo.ExpandCIDR(cidr)
	if err != nil {
		return nil, err
	}

	work := make(chan string)
	results := make(chan sweepHit, len(hosts))

	concurrency, limiter := s.pool()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range work {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if hit, ok := pingOnce(ctx, ip, sweepPingTimeout); ok {
					results <- hit
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, ip := range hosts {
			select {
			case work <- ip:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	var devices []models.DiscoveredDevice
	for hit := range results {
		devices = append(devices, models.DiscoveredDevice{
			IPAddress:       hit.IP,
			DeviceType:      models.DeviceTypeUnknown,
			DiscoveryMethod: models.DiscoveryICMP,
			ResponseTimeMs:  float64(hit.RTT) / float64(time.Millisecond),
			TTL:             hit.TTL,
		})
	}

	s.logger.Debug("ping sweep complete",
		zap.String("cidr", cidr),
		zap.Int("addresses", len(hosts)),
		zap.Int("responding", len(devices)),
	)
	return devices, nil
}

// pingOnce sends a single ICMP echo and reports the reply, if any.
func pingOnce(ctx context.Context, ip string, timeout time.Duration) (sweepHit, bool) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return sweepHit{}, false
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	var ttl int
	pinger.OnRecv = func(pkt *probing.Packet) { ttl = pkt.TTL }

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		stats := pinger.Statistics()
		if runErr != nil || stats.PacketsRecv == 0 {
			return sweepHit{}, false
		}
		return sweepHit{IP: ip, RTT: stats.AvgRtt, TTL: ttl}, true
	case <-ctx.Done():
		pinger.Stop()
		return sweepHit{}, false
	}
}
