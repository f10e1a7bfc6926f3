// Package probe decides device reachability. A probe tries ICMP first and
// falls back to a fixed set of common TCP ports, because many hosts
// (Windows in particular) drop ICMP while still running services. The
// hysteresis engine then smooths raw observations into reported status.
package probe

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

const (
	icmpProbeTimeout = 5 * time.Second
	tcpProbeTimeout  = 3 * time.Second
)

// fallbackPorts are probed concurrently when ICMP fails; the first port to
// connect wins and its name is recorded as the probe method.
var fallbackPorts = []struct {
	Port   int
	Method string
}{
	{80, "HTTP"},
	{443, "HTTPS"},
	{22, "SSH"},
	{3389, "RDP"},
	{445, "SMB"},
	{53, "DNS"},
}

// Result is the outcome of one reachability probe.
type Result struct {
	Online    bool
	Method    string // "ICMP" or the fallback port name
	LatencyMs float64
}

// Cascade probes device reachability. The ping and dial functions are
// swappable for tests.
type Cascade struct {
	logger *zap.Logger
	pingFn func(ctx context.Context, ip string, timeout time.Duration) (time.Duration, bool)
	dialFn func(ctx context.Context, ip string, port int, timeout time.Duration) bool
}

// NewCascade creates a probe cascade using real ICMP and TCP probes.
func NewCascade(logger *zap.Logger) *Cascade {
	return &Cascade{
		logger: logger,
		pingFn: icmpPing,
		dialFn: tcpDial,
	}
}

// Probe checks a single device: ICMP first, then the fallback ports
// concurrently. All probe paths resolve by their deadline; a timeout is an
// offline observation, never an error.
func (c *Cascade) Probe(ctx context.Context, ip string) Result {
	if rtt, ok := c.pingFn(ctx, ip, icmpProbeTimeout); ok {
		return Result{
			Online:    true,
			Method:    "ICMP",
			LatencyMs: float64(rtt) / float64(time.Millisecond),
		}
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wins := make(chan Result, len(fallbackPorts))
	var wg sync.WaitGroup
	for _, fp := range fallbackPorts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			if c.dialFn(probeCtx, ip, fp.Port, tcpProbeTimeout) {
				wins <- Result{
					Online:    true,
					Method:    fp.Method,
					LatencyMs: float64(time.Since(start)) / float64(time.Millisecond),
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(wins)
	}()

	// First successful connect wins; remaining dials are cancelled.
	if result, ok := <-wins; ok {
		cancel()
		c.logger.Debug("probe fell back to tcp",
			zap.String("ip", ip),
			zap.String("method", result.Method),
		)
		return result
	}
	return Result{Online: false}
}

// icmpPing sends a single echo request and reports the round-trip time.
func icmpPing(ctx context.Context, ip string, timeout time.Duration) (time.Duration, bool) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0, false
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case runErr := <-done:
		stats := pinger.Statistics()
		if runErr != nil || stats.PacketsRecv == 0 {
			return 0, false
		}
		return stats.AvgRtt, true
	case <-ctx.Done():
		pinger.Stop()
		return 0, false
	}
}

// tcpDial reports whether a TCP connection to ip:port succeeds.
func tcpDial(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
