package discovery

import (
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// arpSettleDelay is how long the OS ARP cache gets to populate after the
// priming probe before the table is read.
const arpSettleDelay = 2 * time.Second

// ARPSource discovers devices by reading the host's ARP cache. It only sees
// devices the kernel has recently exchanged layer-2 traffic with, so the
// cache is primed with a broadcast probe first.
type ARPSource struct {
	oui    *OUITable
	logger *zap.Logger
}

// NewARPSource creates an ARP-cache discovery source.
func NewARPSource(oui *OUITable, logger *zap.Logger) *ARPSource {
	return &ARPSource{oui: oui, logger: logger}
}

// Discover primes the ARP cache for the segment, waits for it to settle,
// then reads and parses the table, keeping only entries inside the CIDR.
func (s *ARPSource) Discover(ctx context.Context, ipNet *net.IPNet) ([]models.DiscoveredDevice, error) {
	s.prime(ipNet)

	select {
	case <-time.After(arpSettleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	output, err := readARPTable(ctx)
	if err != nil {
		return nil, err
	}

	table := ParseARPOutput(output, runtime.GOOS)
	devices := make([]models.DiscoveredDevice, 0, len(table))
	for ip, mac := range table {
		parsed := net.ParseIP(ip)
		if parsed == nil || !ipNet.Contains(parsed) {
			continue
		}
		devices = append(devices, models.DiscoveredDevice{
			IPAddress:       ip,
			MACAddress:      mac,
			Manufacturer:    s.oui.Lookup(mac),
			DeviceType:      models.DeviceTypeUnknown,
			DiscoveryMethod: models.DiscoveryARP,
		})
	}

	s.logger.Debug("arp table read",
		zap.Int("entries", len(table)),
		zap.Int("in_segment", len(devices)),
	)
	return devices, nil
}

// prime sends a best-effort UDP datagram to the segment's broadcast address.
// The datagram itself is discarded by receivers; the point is forcing the
// kernel to resolve layer-2 neighbors. Failures are ignored.
func (s *ARPSource) prime(ipNet *net.IPNet) {
	bcast := broadcastAddr(ipNet)
	if bcast == nil {
		return
	}
	conn, err := net.DialTimeout("udp", net.JoinHostPort(bcast.String(), "9"), time.Second)
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte{0})
	_ = conn.Close()
}

// broadcastAddr computes the directed broadcast address of an IPv4 network.
func broadcastAddr(ipNet *net.IPNet) net.IP {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil
	}
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = ip4[i] | ^ipNet.Mask[i]
	}
	return bcast
}

// readARPTable returns the host's raw ARP table output. Linux exposes the
// table at /proc/net/arp; other platforms shell out to `arp -a`.
func readARPTable(ctx context.Context) (string, error) {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/net/arp")
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	out, err := exec.CommandContext(ctx, "arp", "-a").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ParseARPOutput parses platform-specific ARP table output into an
// IP -> uppercase colon-separated MAC map. Incomplete entries, zero MACs,
// and broadcast entries are skipped. Unknown platforms yield an empty map.
func ParseARPOutput(output, platform string) map[string]string {
	switch platform {
	case "linux":
		return parseLinuxARP(output)
	case "windows":
		return parseWindowsARP(output)
	case "darwin":
		return parseDarwinARP(output)
	default:
		return map[string]string{}
	}
}

// parseLinuxARP parses /proc/net/arp format:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func parseLinuxARP(output string) map[string]string {
	table := make(map[string]string)
	for i, line := range strings.Split(output, "\n") {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		ip, flags, mac := fields[0], fields[2], fields[3]
		if flags == "0x0" {
			continue // incomplete entry
		}
		if !validMAC(mac) {
			continue
		}
		table[ip] = strings.ToUpper(mac)
	}
	return table
}

// parseWindowsARP parses `arp -a` output with dash-separated MACs.
func parseWindowsARP(output string) map[string]string {
	table := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			continue
		}
		mac := strings.ToUpper(strings.ReplaceAll(fields[1], "-", ":"))
		if !validMAC(mac) {
			continue
		}
		table[fields[0]] = mac
	}
	return table
}

// parseDarwinARP parses `arp -a` output: `? (192.168.1.1) at aa:bb:cc:dd:ee:ff on en0 ...`
func parseDarwinARP(output string) map[string]string {
	table := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		open := strings.Index(line, "(")
		closing := strings.Index(line, ")")
		if open < 0 || closing <= open {
			continue
		}
		ip := line[open+1 : closing]
		if net.ParseIP(ip) == nil {
			continue
		}
		rest := line[closing+1:]
		atIdx := strings.Index(rest, " at ")
		if atIdx < 0 {
			continue
		}
		fields := strings.Fields(rest[atIdx+4:])
		if len(fields) == 0 {
			continue
		}
		mac := strings.ToUpper(fields[0])
		if !validMAC(mac) {
			continue
		}
		table[ip] = mac
	}
	return table
}

// validMAC rejects malformed, all-zero, and broadcast hardware addresses.
func validMAC(mac string) bool {
	if len(mac) != 17 || strings.Count(mac, ":") != 5 {
		return false
	}
	switch strings.ToUpper(mac) {
	case "00:00:00:00:00:00", "FF:FF:FF:FF:FF:FF":
		return false
	}
	return true
}
