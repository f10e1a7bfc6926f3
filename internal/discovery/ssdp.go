package discovery

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// SSDPSource discovers UPnP devices via an SSDP M-SEARCH broadcast. Like
// mDNS, SSDP is multicast and can surface devices from neighboring subnets,
// so results are filtered to the target CIDR.
type SSDPSource struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewSSDPSource creates an SSDP discovery source.
func NewSSDPSource(timeout time.Duration, logger *zap.Logger) *SSDPSource {
	return &SSDPSource{timeout: timeout, logger: logger}
}

// Discover issues an ssdp:all search and converts responses inside the
// segment into device records.
func (s *SSDPSource) Discover(ctx context.Context, ipNet *net.IPNet) ([]models.DiscoveredDevice, error) {
	client, err := httpu.NewHTTPUClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	maxWait := int(s.timeout / time.Second)
	if maxWait < 1 {
		maxWait = 1
	}

	responses, err := ssdp.SSDPRawSearchCtx(ctx, client, ssdp.SSDPAll, maxWait, 2)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var devices []models.DiscoveredDevice

	for _, resp := range responses {
		location := resp.Header.Get("Location")
		server := resp.Header.Get("Server")
		usn := resp.Header.Get("USN")

		ip := hostFromLocation(location)
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

		devices = append(devices, models.DiscoveredDevice{
			IPAddress:  ip,
			DeviceType: inferDeviceTypeFromSSDP(server, usn),
			UPnPInfo: &models.UPnPInfo{
				Server:   server,
				Location: location,
				USN:      usn,
			},
			OSHints:         ssdpOSHints(server),
			DiscoveryMethod: models.DiscoverySSDP,
		})
	}

	s.logger.Debug("ssdp discovery complete",
		zap.Int("responses", len(responses)),
		zap.Int("devices_found", len(devices)),
	)
	return devices, nil
}

// hostFromLocation extracts the bare host from an SSDP LOCATION URL.
func hostFromLocation(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// inferDeviceTypeFromSSDP guesses a device type from SSDP response headers.
func inferDeviceTypeFromSSDP(server, usn string) models.DeviceType {
	combined := strings.ToLower(server + " " + usn)
	switch {
	case strings.Contains(combined, "internetgatewaydevice") || strings.Contains(combined, "router"):
		return models.DeviceTypeNetwork
	case strings.Contains(combined, "printer"):
		return models.DeviceTypePrinter
	case strings.Contains(combined, "mediarenderer") || strings.Contains(combined, "mediaserver"):
		return models.DeviceTypeIoT
	default:
		return models.DeviceTypeUnknown
	}
}

// ssdpOSHints derives OS hint strings from the SSDP SERVER header, which
// conventionally carries "OS/version UPnP/1.0 product/version".
func ssdpOSHints(server string) []string {
	lower := strings.ToLower(server)
	switch {
	case strings.Contains(lower, "windows"):
		return []string{"Windows (SSDP)"}
	case strings.Contains(lower, "linux"):
		return []string{"Linux/Unix (SSDP)"}
	}
	return nil
}
