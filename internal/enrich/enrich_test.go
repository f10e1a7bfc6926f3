package enrich

import (
	"context"
	"testing"

	"github.com/velocityeu/velocitypulse-agent/internal/testutil"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// contextWithImmediateTimeout returns an already-cancelled context, used to
// skip the network-touching steps in unit tests.
func contextWithImmediateTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func TestClassifyBanner(t *testing.T) {
	tests := []struct {
		banner string
		want   string
	}{
		{"SSH-2.0-OpenSSH_9.6", "ssh"},
		{"HTTP/1.1 200 OK\r\nServer: nginx\r\n", "http"},
		{"RFB 003.008\n", "vnc"},
		{"J\x00\x00\x005.7.42-mysql\x00", "mysql"},
		{"220 mail.example.com ESMTP Postfix", "smtp"},
		{"220 ProFTPD Server ready", "ftp"},
		{"+OK Dovecot ready.", "pop3"},
		{"* OK [CAPABILITY IMAP4rev1] ready", "imap"},
		{"", ""},
		{"\x00\x01\x02", ""},
	}
	for _, tt := range tests {
		if got := classifyBanner(tt.banner); got != tt.want {
			t.Errorf("classifyBanner(%q) = %q, want %q", tt.banner, got, tt.want)
		}
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName(22); got != "ssh" {
		t.Errorf("ServiceName(22) = %q, want ssh", got)
	}
	if got := ServiceName(9100); got != "jetdirect" {
		t.Errorf("ServiceName(9100) = %q, want jetdirect", got)
	}
	if got := ServiceName(12345); got != "" {
		t.Errorf("ServiceName(12345) = %q, want empty", got)
	}
}

func TestPipeline_PreservesDeviceCount(t *testing.T) {
	// With all network steps disabled or short-circuited by the cancelled
	// context, enrichment must still return every device untouched in count.
	p := NewPipeline(Options{PortScan: false, SNMP: false}, testutil.Logger())

	devices := make([]models.DiscoveredDevice, 12)
	for i := range devices {
		devices[i] = models.DiscoveredDevice{IPAddress: "192.0.2.1", DeviceType: models.DeviceTypeUnknown}
	}

	out := p.Enrich(contextWithImmediateTimeout(t), devices)
	if len(out) != 12 {
		t.Errorf("device count = %d, want 12", len(out))
	}
}

func TestPipeline_DefaultCommunity(t *testing.T) {
	p := NewPipeline(Options{SNMP: true}, testutil.Logger())
	if p.opts.SNMPCommunity != "public" {
		t.Errorf("community = %q, want public", p.opts.SNMPCommunity)
	}
}

func TestPipeline_SetOptions(t *testing.T) {
	p := NewPipeline(Options{PortScan: true, SNMP: true}, testutil.Logger())

	p.SetOptions(Options{PortScan: false, SNMP: false})
	opts := p.options()
	if opts.PortScan || opts.SNMP {
		t.Errorf("options = %+v, want both steps disabled", opts)
	}
	if opts.SNMPCommunity != "public" {
		t.Errorf("community = %q, want default restored", opts.SNMPCommunity)
	}
}

func TestAppendHelpers(t *testing.T) {
	hints := appendHint(nil, "a")
	hints = appendHint(hints, "a")
	hints = appendHint(hints, "b")
	if len(hints) != 2 {
		t.Errorf("hints = %v, want 2 unique", hints)
	}

	ports := appendPort(nil, 22)
	ports = appendPort(ports, 22)
	ports = appendPort(ports, 80)
	if len(ports) != 2 {
		t.Errorf("ports = %v, want 2 unique", ports)
	}
}
