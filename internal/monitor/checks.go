package monitor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const (
	checkTimeout        = 10 * time.Second
	defaultTLSPort      = 443
	defaultTCPPort      = 443
	defaultExpiryWarnDs = 30
)

// publicResolvers are the fixed resolvers for dns checks, bypassing
// whatever broken or internal DNS the agent host itself may use.
var publicResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// CheckResult is the outcome of one health check. Failures are values, not
// errors: a timeout or refused connection is an offline observation.
type CheckResult struct {
	Status      models.DeviceStatus
	LatencyMs   float64
	Method      string
	Error       string
	Certificate *models.CertificateInfo
}

// Checker executes one kind of health check against a monitored device.
type Checker interface {
	Check(ctx context.Context, device models.DeviceToMonitor) CheckResult
}

// PingChecker checks reachability with a single ICMP echo.
type PingChecker struct{}

func (PingChecker) Check(ctx context.Context, device models.DeviceToMonitor) CheckResult {
	pinger, err := probing.NewPinger(device.IPAddress)
	if err != nil {
		return CheckResult{Status: models.DeviceStatusOffline, Error: err.Error()}
	}
	pinger.Count = 1
	pinger.Timeout = checkTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case runErr := <-done:
		stats := pinger.Statistics()
		if runErr != nil || stats.PacketsRecv == 0 {
			return CheckResult{Status: models.DeviceStatusOffline, Error: "no icmp reply"}
		}
		return CheckResult{
			Status:    models.DeviceStatusOnline,
			Method:    "ICMP",
			LatencyMs: float64(stats.AvgRtt) / float64(time.Millisecond),
		}
	case <-ctx.Done():
		pinger.Stop()
		return CheckResult{Status: models.DeviceStatusOffline, Error: "check cancelled"}
	}
}

// TCPChecker checks that a TCP connection to the device's port succeeds.
type TCPChecker struct{}

func (TCPChecker) Check(ctx context.Context, device models.DeviceToMonitor) CheckResult {
	port := device.Port
	if port == 0 {
		port = defaultTCPPort
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: checkTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(device.IPAddress, fmt.Sprintf("%d", port)))
	if err != nil {
		return CheckResult{Status: models.DeviceStatusOffline, Error: err.Error()}
	}
	_ = conn.Close()

	return CheckResult{
		Status:    models.DeviceStatusOnline,
		Method:    fmt.Sprintf("TCP/%d", port),
		LatencyMs: float64(time.Since(start)) / float64(time.Millisecond),
	}
}

// HTTPChecker derives status from the response status-code class: 2xx/3xx
// online, 4xx/5xx degraded, connection failure offline.
type HTTPChecker struct {
	// Client is swappable for tests; nil uses a default with checkTimeout.
	Client *http.Client
}

func (c HTTPChecker) Check(ctx context.Context, device models.DeviceToMonitor) CheckResult {
	url := device.URL
	if url == "" {
		url = "https://" + device.IPAddress
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Status: models.DeviceStatusOffline, Error: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Status: models.DeviceStatusOffline, Error: err.Error()}
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	result := CheckResult{
		Method:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		LatencyMs: latency,
	}
	if resp.StatusCode < 400 {
		result.Status = models.DeviceStatusOnline
	} else {
		result.Status = models.DeviceStatusDegraded
		result.Error = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return result
}

// DNSChecker resolves the device name through fixed public resolvers.
// Online if resolved (and matching dns_expected_ip when given), degraded on
// mismatch, offline when resolution fails.
type DNSChecker struct{}

func (DNSChecker) Check(ctx context.Context, device models.DeviceToMonitor) CheckResult {
	target := device.URL
	if target == "" {
		target = device.IPAddress
	}

	var lastErr error
	for _, resolver := range publicResolvers {
		r := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: checkTimeout}
				return d.DialContext(ctx, network, resolver)
			},
		}

		start := time.Now()
		addrs, err := r.LookupHost(ctx, target)
		if err != nil || len(addrs) == 0 {
			lastErr = err
			continue
		}

		result := CheckResult{
			Status:    models.DeviceStatusOnline,
			Method:    "DNS " + resolver,
			LatencyMs: float64(time.Since(start)) / float64(time.Millisecond),
		}
		if device.DNSExpectedIP != "" && !containsAddr(addrs, device.DNSExpectedIP) {
			result.Status = models.DeviceStatusDegraded
			result.Error = fmt.Sprintf("resolved %v, expected %s", addrs, device.DNSExpectedIP)
		}
		return result
	}

	errMsg := "dns resolution failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return CheckResult{Status: models.DeviceStatusOffline, Error: errMsg}
}

func containsAddr(addrs []string, want string) bool {
	for _, a := range addrs {
		if a == want {
			return true
		}
	}
	return false
}

// SSLChecker performs a TLS handshake and inspects the certificate. Invalid
// certificates are accepted so they can be read; validity is judged only by
// the expiry window.
type SSLChecker struct{}

func (SSLChecker) Check(ctx context.Context, device models.DeviceToMonitor) CheckResult {
	port := device.Port
	if port == 0 {
		port = defaultTLSPort
	}
	warnDays := device.SSLExpiryWarnDays
	if warnDays == 0 {
		warnDays = defaultExpiryWarnDs
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: checkTimeout},
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // the point is reading the cert, not trusting it
		},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(device.IPAddress, fmt.Sprintf("%d", port)))
	if err != nil {
		return CheckResult{Status: models.DeviceStatusOffline, Error: err.Error()}
	}
	defer conn.Close()

	tlsConn := conn.(*tls.Conn)
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return CheckResult{Status: models.DeviceStatusOffline, Error: "no peer certificate"}
	}

	cert := certs[0]
	daysLeft := int(time.Until(cert.NotAfter).Hours() / 24)
	info := &models.CertificateInfo{
		Issuer:     cert.Issuer.String(),
		Subject:    cert.Subject.String(),
		NotAfter:   cert.NotAfter,
		DaysLeft:   daysLeft,
		SelfSigned: cert.Issuer.String() == cert.Subject.String(),
	}

	result := CheckResult{
		Method:      "TLS",
		LatencyMs:   float64(time.Since(start)) / float64(time.Millisecond),
		Certificate: info,
	}
	switch {
	case daysLeft < 0:
		result.Status = models.DeviceStatusOffline
		result.Error = "certificate expired"
	case daysLeft <= warnDays:
		result.Status = models.DeviceStatusDegraded
		result.Error = fmt.Sprintf("certificate expires in %d days", daysLeft)
	default:
		result.Status = models.DeviceStatusOnline
	}
	return result
}
