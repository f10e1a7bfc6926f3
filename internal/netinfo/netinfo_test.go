package netinfo

import (
	"net"
	"testing"
)

func TestExpandCIDR_Slash24(t *testing.T) {
	hosts, err := ExpandCIDR("192.168.1.0/24")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	if len(hosts) != 254 {
		t.Errorf("host count = %d, want 254", len(hosts))
	}
	if hosts[0] != "192.168.1.1" {
		t.Errorf("first = %q, want 192.168.1.1", hosts[0])
	}
	if hosts[len(hosts)-1] != "192.168.1.254" {
		t.Errorf("last = %q, want 192.168.1.254", hosts[len(hosts)-1])
	}
}

func TestExpandCIDR_Slash30(t *testing.T) {
	hosts, err := ExpandCIDR("10.0.0.0/30")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	want := []string{"10.0.0.1", "10.0.0.2"}
	if len(hosts) != len(want) {
		t.Fatalf("host count = %d, want %d", len(hosts), len(want))
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %q, want %q", i, hosts[i], want[i])
		}
	}
}

func TestExpandCIDR_PointToPoint(t *testing.T) {
	// /31 and /32 have no network/broadcast to exclude.
	hosts, err := ExpandCIDR("10.0.0.0/31")
	if err != nil {
		t.Fatalf("ExpandCIDR /31: %v", err)
	}
	if len(hosts) != 2 {
		t.Errorf("/31 host count = %d, want 2", len(hosts))
	}

	hosts, err = ExpandCIDR("10.0.0.7/32")
	if err != nil {
		t.Fatalf("ExpandCIDR /32: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "10.0.0.7" {
		t.Errorf("/32 hosts = %v, want [10.0.0.7]", hosts)
	}
}

func TestExpandCIDR_CrossesOctetBoundary(t *testing.T) {
	hosts, err := ExpandCIDR("172.16.0.0/23")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	if len(hosts) != 510 {
		t.Errorf("host count = %d, want 510", len(hosts))
	}
	if hosts[254] != "172.16.0.255" || hosts[255] != "172.16.1.0" {
		t.Errorf("boundary hosts = %q, %q", hosts[254], hosts[255])
	}
}

func TestExpandCIDR_Invalid(t *testing.T) {
	for _, cidr := range []string{"not-a-cidr", "192.168.1.0", "2001:db8::/64", "10.0.0.0/4"} {
		if _, err := ExpandCIDR(cidr); err == nil {
			t.Errorf("ExpandCIDR(%q) expected error", cidr)
		}
	}
}

// withFakeInterfaces overrides the interface inventory for the duration of a test.
func withFakeInterfaces(t *testing.T, cidrs ...string) {
	t.Helper()
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			t.Fatalf("parse %q: %v", c, err)
		}
		nets = append(nets, n)
	}
	orig := InterfaceNetworks
	InterfaceNetworks = func() ([]*net.IPNet, error) { return nets, nil }
	t.Cleanup(func() { InterfaceNetworks = orig })
}

func TestIsLocalCIDR(t *testing.T) {
	tests := []struct {
		name   string
		ifaces []string
		cidr   string
		want   bool
	}{
		{"same subnet", []string{"192.168.1.0/24"}, "192.168.1.0/24", true},
		{"segment finer than interface", []string{"192.168.1.0/24"}, "192.168.1.64/26", true},
		{"segment coarser than interface", []string{"192.168.1.0/24"}, "192.168.0.0/16", true},
		{"unrelated subnet", []string{"192.168.1.0/24"}, "10.0.0.0/24", false},
		{"adjacent subnet", []string{"192.168.1.0/24"}, "192.168.2.0/24", false},
		{"second interface matches", []string{"192.168.1.0/24", "10.10.0.0/16"}, "10.10.4.0/24", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFakeInterfaces(t, tt.ifaces...)
			got, err := IsLocalCIDR(tt.cidr)
			if err != nil {
				t.Fatalf("IsLocalCIDR: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsLocalCIDR(%q) = %v, want %v", tt.cidr, got, tt.want)
			}
		})
	}
}

func TestIsLocalCIDR_Invalid(t *testing.T) {
	withFakeInterfaces(t, "192.168.1.0/24")
	if _, err := IsLocalCIDR("bogus"); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}
