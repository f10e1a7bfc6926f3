package discovery

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// mdnsDefaultServices lists well-known mDNS service types to query.
var mdnsDefaultServices = []string{
	"_http._tcp",
	"_https._tcp",
	"_ssh._tcp",
	"_smb._tcp",
	"_nfs._tcp",
	"_ipp._tcp",
	"_printer._tcp",
	"_airplay._tcp",
	"_raop._tcp",
	"_googlecast._tcp",
	"_homekit._tcp",
	"_hap._tcp",
	"_workstation._tcp",
}

// MDNSSource discovers devices via one-shot mDNS/Bonjour service queries.
// mDNS is multicast and may answer with devices from unrelated local
// subnets, so results are filtered to the target CIDR.
type MDNSSource struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewMDNSSource creates an mDNS discovery source with the given per-query
// time budget spread across the service list.
func NewMDNSSource(timeout time.Duration, logger *zap.Logger) *MDNSSource {
	return &MDNSSource{timeout: timeout, logger: logger}
}

// Discover queries each well-known service type and returns devices whose
// address falls inside the segment CIDR. A failing service query contributes
// nothing; it never fails the discovery.
func (s *MDNSSource) Discover(ctx context.Context, ipNet *net.IPNet) ([]models.DiscoveredDevice, error) {
	perService := s.timeout / time.Duration(len(mdnsDefaultServices))
	if perService < 500*time.Millisecond {
		perService = 500 * time.Millisecond
	}

	seen := make(map[string]struct{})
	var devices []models.DiscoveredDevice

	for _, svc := range mdnsDefaultServices {
		if ctx.Err() != nil {
			break
		}
		for _, entry := range s.queryService(svc, perService) {
			ip := extractEntryIP(entry)
			if ip == "" {
				continue
			}
			parsed := net.ParseIP(ip)
			if parsed == nil || !ipNet.Contains(parsed) {
				continue
			}
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}

			hostname := strings.TrimSuffix(entry.Host, ".")
			if hostname == "" {
				hostname = entry.Name
			}
			devices = append(devices, models.DiscoveredDevice{
				IPAddress:       ip,
				Hostname:        hostname,
				DeviceType:      inferDeviceTypeFromService(svc),
				Services:        []string{strings.TrimPrefix(strings.TrimSuffix(svc, "._tcp"), "_")},
				DiscoveryMethod: models.DiscoverymDNS,
			})
		}
	}

	s.logger.Debug("mdns discovery complete", zap.Int("devices_found", len(devices)))
	return devices, nil
}

// queryService runs a single mDNS query and collects its entries.
func (s *MDNSSource) queryService(service string, timeout time.Duration) []*mdns.ServiceEntry {
	entries := make(chan *mdns.ServiceEntry, 16)

	var collected []*mdns.ServiceEntry
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if entry != nil {
				collected = append(collected, entry)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true // Stick to IPv4 for simplicity.

	if err := mdns.Query(params); err != nil {
		s.logger.Debug("mdns query failed",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	close(entries)
	wg.Wait()

	return collected
}

// extractEntryIP returns the best IP address from an mDNS service entry.
func extractEntryIP(entry *mdns.ServiceEntry) string {
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	// Fallback to deprecated Addr field for older mDNS implementations.
	if entry.Addr != nil && !entry.Addr.IsUnspecified() {
		return entry.Addr.String()
	}
	return ""
}

// inferDeviceTypeFromService guesses the device type from the mDNS service name.
func inferDeviceTypeFromService(service string) models.DeviceType {
	switch {
	case strings.Contains(service, "printer") || strings.Contains(service, "ipp"):
		return models.DeviceTypePrinter
	case strings.Contains(service, "airplay") || strings.Contains(service, "raop") ||
		strings.Contains(service, "googlecast"):
		return models.DeviceTypeIoT
	case strings.Contains(service, "homekit") || strings.Contains(service, "hap"):
		return models.DeviceTypeIoT
	case strings.Contains(service, "workstation"):
		return models.DeviceTypeWorkstation
	default:
		return models.DeviceTypeUnknown
	}
}
