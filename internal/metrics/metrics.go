package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_events_accepted_total",
			Help: "Total number of platform events accepted by intake",
		},
	)

	EventsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_events_deduped_total",
			Help: "Total number of platform events deduplicated by delivery id",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_events_dropped_total",
			Help: "Total number of platform events rejected because the queue was full",
		},
	)

	EventsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_events_processed_total",
			Help: "Total number of platform events processed successfully",
		},
	)

	EventsDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_events_dead_lettered_total",
			Help: "Total number of platform events moved to the dead-letter state",
		},
	)

	EventProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channelsync_event_processing_duration_seconds",
			Help:    "Duration of platform event processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_reconcile_runs_total",
			Help: "Total number of per-tenant reconciliation attempts",
		},
	)

	ReconcileFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_reconcile_failures_total",
			Help: "Total number of failed per-tenant reconciliation attempts",
		},
	)

	ReconcileSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_reconcile_skipped_total",
			Help: "Total number of tenants skipped due to backoff or failure cooldown",
		},
	)

	CredentialRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_credential_refresh_total",
			Help: "Total number of credential refresh attempts",
		},
	)

	CredentialRefreshFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_credential_refresh_failures_total",
			Help: "Total number of failed credential refresh attempts",
		},
	)

	KillSwitchTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_killswitch_triggered_total",
			Help: "Total number of kill-switch trips",
		},
	)

	BindConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "channelsync_bind_conflicts_total",
			Help: "Total number of rejected external id bind attempts",
		},
	)
)

// Register registers all metrics with the default registry. Safe to call
// once from main; tests exercise components without registering.
func Register() {
	prometheus.MustRegister(EventsAcceptedTotal)
	prometheus.MustRegister(EventsDedupedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(EventsDeadLetteredTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(ReconcileRunsTotal)
	prometheus.MustRegister(ReconcileFailuresTotal)
	prometheus.MustRegister(ReconcileSkippedTotal)
	prometheus.MustRegister(CredentialRefreshTotal)
	prometheus.MustRegister(CredentialRefreshFailuresTotal)
	prometheus.MustRegister(KillSwitchTriggeredTotal)
	prometheus.MustRegister(BindConflictsTotal)
}
