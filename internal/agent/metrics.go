package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed on the local dashboard's /metrics endpoint.
var (
	metricScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "scans_total",
		Help:      "Segment scans executed, by outcome.",
	}, []string{"outcome"})

	metricDevicesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "devices_discovered_total",
		Help:      "Devices returned by scans, before controller dedup.",
	})

	metricStatusProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "status_probes_total",
		Help:      "Local status probes, by reported status.",
	}, []string{"status"})

	metricHeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "heartbeat_failures_total",
		Help:      "Heartbeats the controller rejected or that failed in transit.",
	})

	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "commands_total",
		Help:      "Controller commands processed, by type and outcome.",
	}, []string{"type", "outcome"})

	metricTrackedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "tracked_devices",
		Help:      "Devices currently tracked for status checks.",
	})

	metricRemoteChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velocitypulse",
		Subsystem: "agent",
		Name:      "remote_checks_total",
		Help:      "Remote monitor checks executed, by check type.",
	}, []string{"check_type"})
)
