package enrich

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	bannerTimeout     = 3 * time.Second
	bannerMaxBytes    = 512
	bannerConcurrency = 5
)

// webPorts get an HTTP HEAD nudge; everything else just listens for the
// server to speak first.
var webPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

// grabBanners connects to each open port, reads up to bannerMaxBytes, and
// classifies the service from the banner text. Returns additional service
// names not already implied by the port number.
func grabBanners(ctx context.Context, ip string, openPorts []int) []string {
	work := make(chan int)
	results := make(chan string, len(openPorts))

	var wg sync.WaitGroup
	for i := 0; i < bannerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range work {
				banner := readBanner(ctx, ip, port)
				if svc := classifyBanner(banner); svc != "" {
					results <- svc
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, port := range openPorts {
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
	var services []string
	for svc := range results {
		if _, dup := seen[svc]; dup {
			continue
		}
		seen[svc] = struct{}{}
		services = append(services, svc)
	}
	return services
}

// readBanner opens a raw TCP connection and reads whatever the service
// volunteers, up to the idle timeout or byte cap. Web ports get an HTTP
// HEAD request first since HTTP servers wait for the client.
func readBanner(ctx context.Context, ip string, port int) string {
	dialer := net.Dialer{Timeout: bannerTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return ""
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(bannerTimeout))

	if webPorts[port] {
		_, _ = fmt.Fprintf(conn, "HEAD / HTTP/1.0\r\nHost: %s\r\n\r\n", ip)
	}

	buf := make([]byte, bannerMaxBytes)
	n, _ := conn.Read(buf)
	return string(buf[:n])
}

// classifyBanner maps banner text to a service name via substring and
// prefix heuristics. Empty result means the banner was unrecognizable.
func classifyBanner(banner string) string {
	if banner == "" {
		return ""
	}
	lower := strings.ToLower(banner)
	switch {
	case strings.HasPrefix(banner, "SSH-"):
		return "ssh"
	case strings.HasPrefix(banner, "RFB "):
		return "vnc"
	case strings.HasPrefix(banner, "HTTP/") || strings.Contains(lower, "\r\nserver:"):
		return "http"
	case strings.Contains(lower, "mysql") || strings.Contains(lower, "mariadb"):
		return "mysql"
	case strings.HasPrefix(banner, "220") && strings.Contains(lower, "ftp"):
		return "ftp"
	case strings.HasPrefix(banner, "220") && (strings.Contains(lower, "smtp") || strings.Contains(lower, "esmtp")):
		return "smtp"
	case strings.HasPrefix(banner, "+OK"):
		return "pop3"
	case strings.HasPrefix(banner, "* OK") && strings.Contains(lower, "imap"):
		return "imap"
	case strings.Contains(lower, "telnet"):
		return "telnet"
	default:
		return ""
	}
}
