package enrich

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	portScanTimeout     = 2 * time.Second
	portScanConcurrency = 10
)

// wellKnownPorts is the fixed probe list for the enrichment port scan,
// mapped to service names for reporting.
var wellKnownPorts = map[int]string{
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	53:   "dns",
	80:   "http",
	110:  "pop3",
	135:  "msrpc",
	139:  "netbios",
	143:  "imap",
	161:  "snmp",
	443:  "https",
	445:  "smb",
	465:  "smtps",
	587:  "submission",
	631:  "ipp",
	993:  "imaps",
	995:  "pop3s",
	1433: "mssql",
	3306: "mysql",
	3389: "rdp",
	5432: "postgresql",
	5900: "vnc",
	8080: "http-alt",
	9100: "jetdirect",
}

// ServiceName returns the well-known service name for a port, or empty.
func ServiceName(port int) string {
	return wellKnownPorts[port]
}

// scanPorts probes the well-known port list against one host through a fixed
// worker pool and returns the open ports with their service names.
func scanPorts(ctx context.Context, ip string) (ports []int, services []string) {
	work := make(chan int)
	results := make(chan int, len(wellKnownPorts))

	var wg sync.WaitGroup
	for i := 0; i < portScanConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range work {
				if tcpConnects(ctx, ip, port, portScanTimeout) {
					results <- port
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for port := range wellKnownPorts {
			select {
			case work <- port:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	seen := make(map[string]struct{})
	for port := range results {
		ports = append(ports, port)
		if name := wellKnownPorts[port]; name != "" {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				services = append(services, name)
			}
		}
	}
	sort.Ints(ports)
	sort.Strings(services)
	return ports, services
}

// tcpConnects reports whether a TCP connection to ip:port succeeds within
// the timeout.
func tcpConnects(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
