package discovery

import (
	"bytes"
	"net"
	"sort"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// lessIP orders dotted-quad addresses numerically, falling back to string
// order for anything unparseable.
func lessIP(a, b string) bool {
	ipA := net.ParseIP(a).To4()
	ipB := net.ParseIP(b).To4()
	if ipA == nil || ipB == nil {
		return a < b
	}
	return bytes.Compare(ipA, ipB) < 0
}

// Merge deduplicates partial device records from all discovery sources by IP
// address. Scalar fields keep the first non-empty value seen; collection
// fields are set-unioned. The output is sorted and canonical, so merging is
// idempotent and insensitive to source ordering when sources supply disjoint
// scalar fields.
func Merge(records []models.DiscoveredDevice) []models.DiscoveredDevice {
	byIP := make(map[string]*models.DiscoveredDevice)

	for i := range records {
		rec := &records[i]
		if rec.IPAddress == "" {
			continue
		}

		existing, ok := byIP[rec.IPAddress]
		if !ok {
			merged := *rec
			merged.OSHints = dedupeStrings(rec.OSHints)
			merged.OpenPorts = dedupeInts(rec.OpenPorts)
			merged.Services = dedupeStrings(rec.Services)
			byIP[rec.IPAddress] = &merged
			continue
		}

		// First writer wins per scalar field; later writers fill gaps only.
		if existing.MACAddress == "" {
			existing.MACAddress = rec.MACAddress
		}
		if existing.Hostname == "" {
			existing.Hostname = rec.Hostname
		}
		if existing.Manufacturer == "" {
			existing.Manufacturer = rec.Manufacturer
		}
		if existing.DeviceType == "" || existing.DeviceType == models.DeviceTypeUnknown {
			if rec.DeviceType != "" {
				existing.DeviceType = rec.DeviceType
			}
		}
		if existing.SNMPInfo == nil {
			existing.SNMPInfo = rec.SNMPInfo
		}
		if existing.UPnPInfo == nil {
			existing.UPnPInfo = rec.UPnPInfo
		}
		if existing.ResponseTimeMs == 0 {
			existing.ResponseTimeMs = rec.ResponseTimeMs
		}
		if existing.TTL == 0 {
			existing.TTL = rec.TTL
		}

		existing.OSHints = dedupeStrings(append(existing.OSHints, rec.OSHints...))
		existing.OpenPorts = dedupeInts(append(existing.OpenPorts, rec.OpenPorts...))
		existing.Services = dedupeStrings(append(existing.Services, rec.Services...))
	}

	merged := make([]models.DiscoveredDevice, 0, len(byIP))
	for _, d := range byIP {
		merged = append(merged, *d)
	}
	sort.Slice(merged, func(i, j int) bool {
		return lessIP(merged[i].IPAddress, merged[j].IPAddress)
	})
	return merged
}

// dedupeStrings returns a sorted copy of s with duplicates and empties removed.
func dedupeStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// dedupeInts returns a sorted copy of s with duplicates removed.
func dedupeInts(s []int) []int {
	if len(s) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(s))
	out := make([]int, 0, len(s))
	for _, v := range s {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
