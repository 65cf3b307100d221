package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistryVersion tracks the version of the currently published registry snapshot
	RegistryVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_registry_version",
			Help: "Version of the currently published registry snapshot",
		},
	)

	// RegistrySnapshotsTotal tracks registry snapshot cycles by outcome
	RegistrySnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_registry_snapshots_total",
			Help: "Total number of registry snapshot cycles by outcome",
		},
		[]string{"status"},
	)

	// RouteRanges tracks the number of flattened canister ranges in the published routing table
	RouteRanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_route_ranges",
			Help: "Number of flattened canister-id ranges in the published routing table",
		},
	)

	// RouteNodes tracks the number of healthy nodes in the published routing table
	RouteNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_route_nodes",
			Help: "Number of nodes referenced by the published routing table",
		},
	)

	// PersistTotal tracks routing table publish attempts by outcome
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_persist_total",
			Help: "Total number of routing table publish attempts by outcome",
		},
		[]string{"status"},
	)

	// HealthChecksTotal tracks node health checks by result
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_health_checks_total",
			Help: "Total number of node health checks by result",
		},
		[]string{"result"},
	)

	// HealthCheckDuration tracks the duration of node health checks in seconds
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_health_check_duration",
			Help:    "Duration of node health checks in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"result"},
	)

	// HealthyNodes tracks the number of nodes currently considered eligible for routing
	HealthyNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_healthy_nodes",
			Help: "Number of nodes currently considered eligible for routing",
		},
	)

	// TLSVerifyTotal tracks upstream TLS certificate verifications by result
	TLSVerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_tls_verify_total",
			Help: "Total number of upstream TLS certificate verifications by result",
		},
		[]string{"result"},
	)
)

// RecordSnapshot increments the registry snapshot counter for the given outcome
func RecordSnapshot(status string) {
	RegistrySnapshotsTotal.WithLabelValues(status).Inc()
}

// SetRegistryVersion sets the published registry snapshot version
func SetRegistryVersion(version uint64) {
	RegistryVersion.Set(float64(version))
}

// RecordPersist increments the persist counter for the given outcome
func RecordPersist(status string) {
	PersistTotal.WithLabelValues(status).Inc()
}

// SetRouteCounts sets the published range and node counts
func SetRouteCounts(ranges, nodes uint32) {
	RouteRanges.Set(float64(ranges))
	RouteNodes.Set(float64(nodes))
}

// RecordHealthCheck records one health check result and its duration in seconds
func RecordHealthCheck(result string, durationSeconds float64) {
	HealthChecksTotal.WithLabelValues(result).Inc()
	HealthCheckDuration.WithLabelValues(result).Observe(durationSeconds)
}

// SetHealthyNodes sets the number of currently eligible nodes
func SetHealthyNodes(count int) {
	HealthyNodes.Set(float64(count))
}

// RecordTLSVerify increments the TLS verification counter for the given result
func RecordTLSVerify(result string) {
	TLSVerifyTotal.WithLabelValues(result).Inc()
}
