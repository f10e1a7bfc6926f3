package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

func mustParseCIDR(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, ipNet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return ipNet
}

func TestMerge_FirstWriterWinsScalars(t *testing.T) {
	arp := models.DiscoveredDevice{
		IPAddress:       "192.168.1.10",
		MACAddress:      "AA:BB:CC:DD:EE:FF",
		DiscoveryMethod: models.DiscoveryARP,
	}
	mdns := models.DiscoveredDevice{
		IPAddress:       "192.168.1.10",
		Hostname:        "printer.local",
		DeviceType:      models.DeviceTypePrinter,
		Services:        []string{"ipp"},
		DiscoveryMethod: models.DiscoverymDNS,
	}

	merged := Merge([]models.DiscoveredDevice{arp, mdns})
	require.Len(t, merged, 1)

	d := merged[0]
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.MACAddress)
	assert.Equal(t, "printer.local", d.Hostname)
	assert.Equal(t, models.DeviceTypePrinter, d.DeviceType)
	assert.Equal(t, []string{"ipp"}, d.Services)
}

func TestMerge_ScalarNotOverwritten(t *testing.T) {
	first := models.DiscoveredDevice{
		IPAddress: "10.0.0.5",
		Hostname:  "nas",
	}
	second := models.DiscoveredDevice{
		IPAddress: "10.0.0.5",
		Hostname:  "nas.fritz.box",
	}

	merged := Merge([]models.DiscoveredDevice{first, second})
	require.Len(t, merged, 1)
	assert.Equal(t, "nas", merged[0].Hostname, "first non-empty hostname must stick")
}

func TestMerge_FillsMissingTTL(t *testing.T) {
	sweep := models.DiscoveredDevice{
		IPAddress:       "10.0.0.7",
		TTL:             64,
		ResponseTimeMs:  1.2,
		DiscoveryMethod: models.DiscoveryICMP,
	}
	mdns := models.DiscoveredDevice{
		IPAddress:       "10.0.0.7",
		Hostname:        "nas.local",
		DiscoveryMethod: models.DiscoverymDNS,
	}

	merged := Merge([]models.DiscoveredDevice{mdns, sweep})
	require.Len(t, merged, 1)
	assert.Equal(t, 64, merged[0].TTL)
	assert.Equal(t, "nas.local", merged[0].Hostname)
}

func TestMerge_CollectionsUnion(t *testing.T) {
	a := models.DiscoveredDevice{
		IPAddress: "10.0.0.9",
		OpenPorts: []int{22, 80},
		OSHints:   []string{"Linux/Unix (TTL)"},
		Services:  []string{"ssh"},
	}
	b := models.DiscoveredDevice{
		IPAddress: "10.0.0.9",
		OpenPorts: []int{80, 443},
		OSHints:   []string{"Linux/Unix (TTL)", "Server (ports)"},
		Services:  []string{"http", "ssh"},
	}

	merged := Merge([]models.DiscoveredDevice{a, b})
	require.Len(t, merged, 1)
	assert.Equal(t, []int{22, 80, 443}, merged[0].OpenPorts)
	assert.Equal(t, []string{"Linux/Unix (TTL)", "Server (ports)"}, merged[0].OSHints)
	assert.Equal(t, []string{"http", "ssh"}, merged[0].Services)
}

func TestMerge_CommutativeAndIdempotent(t *testing.T) {
	a := models.DiscoveredDevice{
		IPAddress:       "192.168.1.50",
		MACAddress:      "B8:27:EB:00:11:22",
		OpenPorts:       []int{22},
		DiscoveryMethod: models.DiscoveryARP,
	}
	b := models.DiscoveredDevice{
		IPAddress:       "192.168.1.50",
		Hostname:        "pi.local",
		OpenPorts:       []int{80},
		DiscoveryMethod: models.DiscoverymDNS,
	}

	forward := Merge([]models.DiscoveredDevice{a, b})
	reverse := Merge([]models.DiscoveredDevice{b, a})
	require.Len(t, forward, 1)
	require.Len(t, reverse, 1)

	// Scalars come from disjoint sources, so order must not matter.
	assert.Equal(t, forward[0].MACAddress, reverse[0].MACAddress)
	assert.Equal(t, forward[0].Hostname, reverse[0].Hostname)
	assert.Equal(t, forward[0].OpenPorts, reverse[0].OpenPorts)

	// Merging a merged list with itself changes nothing.
	again := Merge(append(append([]models.DiscoveredDevice{}, forward...), forward...))
	assert.Equal(t, forward, again)
}

func TestMerge_NeverDuplicatesIPs(t *testing.T) {
	var records []models.DiscoveredDevice
	for i := 0; i < 5; i++ {
		records = append(records, models.DiscoveredDevice{IPAddress: "10.0.0.1"})
		records = append(records, models.DiscoveredDevice{IPAddress: "10.0.0.2"})
	}
	merged := Merge(records)
	assert.Len(t, merged, 2)
}

func TestMerge_SortedByIP(t *testing.T) {
	merged := Merge([]models.DiscoveredDevice{
		{IPAddress: "10.0.0.20"},
		{IPAddress: "10.0.0.3"},
		{IPAddress: "10.0.0.100"},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, "10.0.0.3", merged[0].IPAddress)
	assert.Equal(t, "10.0.0.20", merged[1].IPAddress)
	assert.Equal(t, "10.0.0.100", merged[2].IPAddress)
}

func TestMerge_SkipsEmptyIP(t *testing.T) {
	merged := Merge([]models.DiscoveredDevice{
		{IPAddress: ""},
		{IPAddress: "10.0.0.1"},
	})
	assert.Len(t, merged, 1)
}
