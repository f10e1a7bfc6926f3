package models

import "time"

// DeviceType categorizes a discovered network device.
type DeviceType string

const (
	DeviceTypeServer      DeviceType = "server"
	DeviceTypeWorkstation DeviceType = "workstation"
	DeviceTypeNetwork     DeviceType = "network"
	DeviceTypePrinter     DeviceType = "printer"
	DeviceTypeIoT         DeviceType = "iot"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// DeviceStatus represents the reported reachability state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline   DeviceStatus = "online"
	DeviceStatusOffline  DeviceStatus = "offline"
	DeviceStatusDegraded DeviceStatus = "degraded"
	DeviceStatusUnknown  DeviceStatus = "unknown"
)

// DiscoveryMethod indicates which discovery source produced a device record.
type DiscoveryMethod string

const (
	DiscoveryARP  DiscoveryMethod = "arp"
	DiscoverymDNS DiscoveryMethod = "mdns"
	DiscoverySSDP DiscoveryMethod = "ssdp"
	DiscoveryICMP DiscoveryMethod = "icmp"
)

// SNMPInfo holds the system-group values returned by an SNMP query.
type SNMPInfo struct {
	SysDescr    string `json:"sys_descr,omitempty"`
	SysName     string `json:"sys_name,omitempty"`
	SysContact  string `json:"sys_contact,omitempty"`
	SysLocation string `json:"sys_location,omitempty"`
}

// UPnPInfo holds device description details learned over SSDP.
type UPnPInfo struct {
	Server   string `json:"server,omitempty"`
	Location string `json:"location,omitempty"`
	USN      string `json:"usn,omitempty"`
}

// DiscoveredDevice is a single device record produced by discovery and
// augmented by enrichment. Identity is the IP address; records from
// different sources for the same IP are merged, never duplicated.
type DiscoveredDevice struct {
	IPAddress       string          `json:"ip_address"`
	MACAddress      string          `json:"mac_address,omitempty"`
	Hostname        string          `json:"hostname,omitempty"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	OSHints         []string        `json:"os_hints,omitempty"`
	DeviceType      DeviceType      `json:"device_type"`
	OpenPorts       []int           `json:"open_ports,omitempty"`
	Services        []string        `json:"services,omitempty"`
	SNMPInfo        *SNMPInfo       `json:"snmp_info,omitempty"`
	UPnPInfo        *UPnPInfo       `json:"upnp_info,omitempty"`
	DiscoveryMethod DiscoveryMethod `json:"discovery_method"`
	ResponseTimeMs  float64         `json:"response_time_ms,omitempty"`
	TTL             int             `json:"ttl,omitempty"`
}

// DeviceInfo is the continuously mutated view of a device shared across the
// agent loops and surfaced to the local UI. Keyed by IP.
type DeviceInfo struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	IP             string       `json:"ip"`
	MAC            string       `json:"mac,omitempty"`
	Status         DeviceStatus `json:"status"`
	ResponseTimeMs float64      `json:"response_time_ms,omitempty"`
	LastCheck      time.Time    `json:"last_check"`
}
