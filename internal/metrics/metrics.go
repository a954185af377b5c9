// Package metrics exposes the supervisor's Prometheus instrumentation.
// Collectors are package-level and registered via promauto; callers go
// through the helper functions so label values stay consistent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checkpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bastion",
		Subsystem: "checkpoint",
		Name:      "write_duration_seconds",
		Help:      "Time to serialize and persist one checkpoint",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	checkpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "checkpoint",
		Name:      "writes_total",
		Help:      "Checkpoint write attempts by status",
	}, []string{"status"})

	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "checkpoint",
		Name:      "recoveries_total",
		Help:      "Startup recovery outcomes",
	}, []string{"outcome"})

	restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "restart",
		Name:      "records_total",
		Help:      "Restart records appended, by reason",
	}, []string{"reason"})

	restartDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "restart",
		Name:      "denials_total",
		Help:      "Restart requests denied by the rate governor",
	})

	componentHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bastion",
		Subsystem: "health",
		Name:      "component_status",
		Help:      "Component health severity (0=OK 1=UNKNOWN 2=WARN 3=CRITICAL)",
	}, []string{"component"})

	degradationMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bastion",
		Subsystem: "degrade",
		Name:      "mode",
		Help:      "Current operating mode (0=NORMAL 1=DEGRADED 2=OFFLINE)",
	})

	disabledCapabilities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bastion",
		Subsystem: "degrade",
		Name:      "disabled_capabilities",
		Help:      "Number of capabilities currently unavailable",
	})

	backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "backup",
		Name:      "operations_total",
		Help:      "Backup operations by type and status",
	}, []string{"type", "status"})

	integrityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "integrity",
		Name:      "checks_total",
		Help:      "Backup integrity verifications by outcome",
	}, []string{"outcome"})

	auditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Audit events recorded, by level",
	}, []string{"level"})

	storeBusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "store",
		Name:      "busy_retries_total",
		Help:      "SQLite writes retried due to lock contention",
	})
)

func ObserveCheckpoint(d time.Duration, err error) {
	checkpointDuration.Observe(d.Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	checkpointWrites.WithLabelValues(status).Inc()
}

// RecordRecovery counts one startup recovery. Outcomes are restored,
// cold_start, and failed.
func RecordRecovery(outcome string) {
	recoveries.WithLabelValues(outcome).Inc()
}

func RecordRestart(reason string) {
	restarts.WithLabelValues(reason).Inc()
}

func RecordRestartDenied() {
	restartDenials.Inc()
}

// SetComponentHealth maps a component's status to its severity rank.
func SetComponentHealth(component string, severity int) {
	componentHealth.WithLabelValues(component).Set(float64(severity))
}

func SetMode(mode int, disabled int) {
	degradationMode.Set(float64(mode))
	disabledCapabilities.Set(float64(disabled))
}

func RecordBackup(backupType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	backups.WithLabelValues(backupType, status).Inc()
}

func RecordIntegrityCheck(valid bool) {
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	integrityChecks.WithLabelValues(outcome).Inc()
}

func RecordAuditEvent(level string) {
	auditEvents.WithLabelValues(level).Inc()
}

func RecordStoreBusyRetry() {
	storeBusyRetries.Inc()
}

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
