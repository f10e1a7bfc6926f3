package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityeu/velocitypulse-agent/internal/netinfo"
	"github.com/velocityeu/velocitypulse-agent/internal/testutil"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// fakeSource returns canned devices or an error.
type fakeSource struct {
	devices []models.DiscoveredDevice
	err     error
}

func (f *fakeSource) Discover(_ context.Context, _ *net.IPNet) ([]models.DiscoveredDevice, error) {
	return f.devices, f.err
}

func TestEngine_LocalFanOutMergesSources(t *testing.T) {
	orig := netinfo.InterfaceNetworks
	netinfo.InterfaceNetworks = func() ([]*net.IPNet, error) {
		return []*net.IPNet{mustParseCIDR(t, "192.168.1.0/24")}, nil
	}
	t.Cleanup(func() { netinfo.InterfaceNetworks = orig })

	e := &Engine{
		arp: &fakeSource{devices: []models.DiscoveredDevice{
			{IPAddress: "192.168.1.10", MACAddress: "AA:BB:CC:00:11:22", DiscoveryMethod: models.DiscoveryARP},
		}},
		mdns: &fakeSource{devices: []models.DiscoveredDevice{
			{IPAddress: "192.168.1.10", Hostname: "host-a.local", DiscoveryMethod: models.DiscoverymDNS},
			{IPAddress: "192.168.1.11", Hostname: "host-b.local", DiscoveryMethod: models.DiscoverymDNS},
		}},
		ssdp:   &fakeSource{err: errors.New("multicast unsupported")},
		logger: testutil.Logger(),
	}

	segment := models.NetworkSegment{CIDR: "192.168.1.0/24", SegmentType: models.SegmentTypeLocalScan}
	devices, err := e.Discover(context.Background(), segment)
	require.NoError(t, err, "a failing source must not fail the scan")
	require.Len(t, devices, 2)

	assert.Equal(t, "192.168.1.10", devices[0].IPAddress)
	assert.Equal(t, "AA:BB:CC:00:11:22", devices[0].MACAddress)
	assert.Equal(t, "host-a.local", devices[0].Hostname)
	assert.Equal(t, "192.168.1.11", devices[1].IPAddress)
}

func TestEngine_InvalidCIDR(t *testing.T) {
	e := NewEngine(0, testutil.Logger())
	_, err := e.Discover(context.Background(), models.NetworkSegment{CIDR: "bogus"})
	assert.Error(t, err)
}

func TestSweeper_SetConcurrency(t *testing.T) {
	s := NewSweeper(10, testutil.Logger())

	s.SetConcurrency(25)
	n, limiter := s.pool()
	assert.Equal(t, 25, n)
	assert.Equal(t, 25, limiter.Burst())

	// Nonsense values fall back to the default pool size.
	s.SetConcurrency(-1)
	n, _ = s.pool()
	assert.Equal(t, defaultSweepConcurrency, n)
}
