package models

import "time"

// CheckType enumerates the health-check protocols for remote-monitored devices.
type CheckType string

const (
	CheckTypePing CheckType = "ping"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeHTTP CheckType = "http"
	CheckTypeDNS  CheckType = "dns"
	CheckTypeSSL  CheckType = "ssl"
)

// DeviceToMonitor is a controller-defined device with its own check cadence.
type DeviceToMonitor struct {
	ID                   string    `json:"id"`
	SegmentID            string    `json:"segment_id"`
	Name                 string    `json:"name"`
	IPAddress            string    `json:"ip_address"`
	CheckType            CheckType `json:"check_type"`
	CheckIntervalSeconds int       `json:"check_interval_seconds"`
	Port                 int       `json:"port,omitempty"`
	URL                  string    `json:"url,omitempty"`
	DNSExpectedIP        string    `json:"dns_expected_ip,omitempty"`
	SSLExpiryWarnDays    int       `json:"ssl_expiry_warn_days,omitempty"`
}

// CertificateInfo summarizes the certificate inspected by an ssl check.
type CertificateInfo struct {
	Issuer     string    `json:"issuer"`
	Subject    string    `json:"subject"`
	NotAfter   time.Time `json:"not_after"`
	DaysLeft   int       `json:"days_left"`
	SelfSigned bool      `json:"self_signed,omitempty"`
}

// StatusReport is the outbound result of a single health check.
type StatusReport struct {
	DeviceID       string           `json:"device_id"`
	IPAddress      string           `json:"ip_address"`
	Status         DeviceStatus     `json:"status"`
	ResponseTimeMs float64          `json:"response_time_ms,omitempty"`
	CheckType      CheckType        `json:"check_type"`
	CheckedAt      time.Time        `json:"checked_at"`
	Method         string           `json:"method,omitempty"`
	Error          string           `json:"error,omitempty"`
	Certificate    *CertificateInfo `json:"certificate,omitempty"`
}
