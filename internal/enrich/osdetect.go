package enrich

import (
	"context"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const ttlProbeTimeout = 2 * time.Second

// typeRank orders device-type classification strength. Port-based hints may
// refine a classification upward but never downgrade a stronger one.
var typeRank = map[models.DeviceType]int{
	models.DeviceTypeUnknown:     0,
	models.DeviceTypeIoT:         1,
	models.DeviceTypeWorkstation: 2,
	models.DeviceTypePrinter:     3,
	models.DeviceTypeNetwork:     3,
	models.DeviceTypeServer:      4,
}

// upgradeType returns candidate if it outranks current, else current.
func upgradeType(current, candidate models.DeviceType) models.DeviceType {
	if typeRank[candidate] > typeRank[current] {
		return candidate
	}
	return current
}

// classifyTTL maps an observed ICMP TTL to an OS-family hint. Initial TTLs
// cluster by OS (Windows 128, Unix 64, network gear 255, embedded stacks
// lower), so the observed value minus en-route decrements lands in a band.
func classifyTTL(ttl int) (hint string, devType models.DeviceType) {
	switch {
	case ttl >= 241 && ttl <= 255:
		return "Network equipment (TTL)", models.DeviceTypeNetwork
	case ttl >= 97 && ttl <= 128:
		return "Windows (TTL)", models.DeviceTypeWorkstation
	case ttl >= 33 && ttl <= 64:
		return "Linux/Unix (TTL)", models.DeviceTypeServer
	case ttl >= 1 && ttl <= 32:
		return "Embedded (TTL)", models.DeviceTypeIoT
	default:
		return "", models.DeviceTypeUnknown
	}
}

// probeTTL pings the host once to observe the reply TTL. Returns 0 when the
// host does not answer.
func probeTTL(ctx context.Context, ip string) int {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0
	}
	pinger.Count = 1
	pinger.Timeout = ttlProbeTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	var ttl int
	pinger.OnRecv = func(pkt *probing.Packet) { ttl = pkt.TTL }

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case <-done:
		return ttl
	case <-ctx.Done():
		pinger.Stop()
		return 0
	}
}

// portSet is a convenience lookup over a device's open ports.
type portSet map[int]bool

func newPortSet(ports []int) portSet {
	s := make(portSet, len(ports))
	for _, p := range ports {
		s[p] = true
	}
	return s
}

// detectOS combines the TTL classification with open-port signals. Hints
// accumulate; the device type only ever moves to a stronger classification.
func detectOS(ctx context.Context, device *models.DiscoveredDevice) {
	// A sweep already observed the reply TTL for this device; only ping
	// again when discovery could not capture one.
	ttl := device.TTL
	if ttl == 0 {
		ttl = probeTTL(ctx, device.IPAddress)
	}
	if ttl > 0 {
		if hint, devType := classifyTTL(ttl); hint != "" {
			device.OSHints = appendHint(device.OSHints, hint)
			device.DeviceType = upgradeType(device.DeviceType, devType)
		}
	}

	ports := newPortSet(device.OpenPorts)

	switch {
	case ports[3389]:
		device.OSHints = appendHint(device.OSHints, "Windows (ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypeWorkstation)
	case ports[22]:
		device.OSHints = appendHint(device.OSHints, "Linux/Unix (ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypeServer)
	}

	if ports[631] || ports[9100] {
		device.OSHints = appendHint(device.OSHints, "Printer (ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypePrinter)
	}

	if ports[161] && !ports[22] && !ports[3389] {
		device.OSHints = appendHint(device.OSHints, "Network equipment (ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypeNetwork)
	}

	if ports[1433] || ports[3306] || ports[5432] {
		device.OSHints = appendHint(device.OSHints, "Server (database ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypeServer)
	}
	if ports[25] || ports[465] || ports[587] || ports[143] || ports[993] {
		device.OSHints = appendHint(device.OSHints, "Server (mail ports)")
		device.DeviceType = upgradeType(device.DeviceType, models.DeviceTypeServer)
	}
}

// appendHint adds a hint string if not already present.
func appendHint(hints []string, hint string) []string {
	for _, h := range hints {
		if h == hint {
			return hints
		}
	}
	return append(hints, hint)
}
