// Package metrics holds Prometheus instruments for the tenant boundary.
// All collectors are registered with the global registry, so importing
// this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveMetadataEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connmeta_entries",
			Help: "Number of connection-metadata entries currently cached.",
		})

	MetadataLoadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connmeta_load_total",
			Help: "Cumulative number of connection-metadata loads from the system of record.",
		})

	MetadataLoadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connmeta_load_errors_total",
			Help: "Cumulative number of metadata load failures that degraded to the shared fallback.",
		})

	MetadataEvictTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connmeta_evict_total",
			Help: "Cumulative number of metadata entries evicted or invalidated.",
		})

	ResolveFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_resolve_failures_total",
			Help: "Tenant resolution failures by kind (invalid_host, not_found, internal).",
		},
		[]string{"kind"},
	)

	AuditDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_audit_decisions_total",
			Help: "Query audit outcomes (allowed, warned, denied, bypassed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveMetadataEntries,
		MetadataLoadTotal,
		MetadataLoadErrorsTotal,
		MetadataEvictTotal,
		ResolveFailuresTotal,
		AuditDecisionsTotal,
	)
}
