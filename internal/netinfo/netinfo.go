// Package netinfo provides pure address computations over the host's network
// interfaces: CIDR expansion and local/remote segment classification.
package netinfo

import (
	"encoding/binary"
	"fmt"
	"net"
)

// InterfaceNetworks returns the IPv4 network of every up, non-loopback
// interface address. Swappable in tests.
var InterfaceNetworks = systemInterfaceNetworks

func systemInterfaceNetworks() ([]*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			nets = append(nets, &net.IPNet{
				IP:   ipNet.IP.Mask(ipNet.Mask),
				Mask: ipNet.Mask,
			})
		}
	}
	return nets, nil
}

// IsLocalCIDR reports whether the CIDR is reachable at layer 2 from this
// host. A segment is local if its network contains any interface network or
// any interface network contains it; the either-direction test covers
// segments both coarser and finer than the interface's own subnet.
func IsLocalCIDR(cidr string) (bool, error) {
	_, target, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}

	locals, err := InterfaceNetworks()
	if err != nil {
		return false, err
	}

	for _, local := range locals {
		if netContains(target, local) || netContains(local, target) {
			return true, nil
		}
	}
	return false, nil
}

// netContains reports whether outer fully contains inner.
func netContains(outer, inner *net.IPNet) bool {
	outerOnes, _ := outer.Mask.Size()
	innerOnes, _ := inner.Mask.Size()
	return outerOnes <= innerOnes && outer.Contains(inner.IP)
}

// ExpandCIDR returns every usable host address in the CIDR. For prefixes of
// /30 and shorter the network and broadcast addresses are excluded; /31 and
// /32 have no such addresses and expand to their raw members.
func ExpandCIDR(cidr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("cidr %q is not IPv4", cidr)
	}

	ones, bits := ipNet.Mask.Size()
	if ones < 8 {
		return nil, fmt.Errorf("cidr %q too broad to sweep (prefix /%d)", cidr, ones)
	}
	total := uint32(1) << (bits - ones)
	base := binary.BigEndian.Uint32(ip4)

	var hosts []string
	for i := uint32(0); i < total; i++ {
		// Skip network (first) and broadcast (last) for real subnets.
		if total > 2 && (i == 0 || i == total-1) {
			continue
		}
		addr := make(net.IP, 4)
		binary.BigEndian.PutUint32(addr, base+i)
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

// PrimaryInterface returns the name and IPv4 CIDR of the first up,
// non-loopback interface, used to auto-register a segment when the
// controller has assigned none.
func PrimaryInterface() (name, cidr string, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			network := ipNet.IP.Mask(ipNet.Mask)
			return iface.Name, fmt.Sprintf("%s/%d", network, ones), nil
		}
	}
	return "", "", fmt.Errorf("no usable IPv4 interface found")
}
