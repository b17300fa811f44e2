// Package metrics exposes the server's Prometheus instrumentation. All
// collectors are registered on the default registry via promauto and served
// by the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kumo_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kumo_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumo_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "mechanism", "result"},
	)
)

// POP3 command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumo_command_duration_seconds",
			Help:    "Duration of protocol command handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"protocol", "command"},
	)

	MessagesRetrievedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumo_pop3_messages_retrieved_total",
			Help: "Total number of messages served via RETR",
		},
	)

	MessagesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumo_pop3_messages_deleted_total",
			Help: "Total number of messages expunged at session commit",
		},
	)

	BytesRetrievedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumo_pop3_bytes_retrieved_total",
			Help: "Total message bytes served via RETR and TOP",
		},
	)
)

// Security metrics
var (
	SecurityRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_security_rejections_total",
			Help: "Connections and commands rejected by the security manager",
		},
		[]string{"reason"},
	)

	BlockedIPsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumo_security_blocked_ips_current",
			Help: "Number of IPs currently auto-blocked",
		},
	)

	SuspiciousActivityTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumo_security_suspicious_activity_total",
			Help: "Authentication patterns flagged as suspicious",
		},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumo_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumo_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)
)

// Cache metrics
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumo_cache_operations_total",
			Help: "Total number of local cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumo_cache_size_bytes",
			Help: "Current local cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumo_cache_objects_total",
			Help: "Current number of objects in the local cache",
		},
	)
)
