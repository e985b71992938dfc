package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tally"
)

var (
	syncDurationBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for one entity sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"connector", "entity_type", "mode"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of entity sync executions.",
	}, []string{"connector", "entity_type", "mode", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful entity sync.",
	}, []string{"connector", "entity_type"})

	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_records_total",
		Help:      "Records handled by syncs, by outcome.",
	}, []string{"connector", "entity_type", "outcome"})

	SyncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_errors_total",
		Help:      "Sync errors by kind.",
	}, []string{"connector", "kind"})

	// Credential Metrics
	CredentialRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refreshes_total",
		Help:      "OAuth2 token refresh attempts by result.",
	}, []string{"connector", "result"})

	// Webhook Metrics
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook deliveries by result.",
	}, []string{"provider", "result"})
)
