package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the donation ledger.
type Metrics struct {
	// --- Host processing ---
	CallsApplied  *prometheus.CounterVec
	CallsRejected *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	Sequence      prometheus.Gauge
	StateHashDur  prometheus.Histogram

	// --- Ledger state ---
	PooledBalance    prometheus.Gauge // float approximation, display only
	HistoryLength    prometheus.Gauge
	DonationsTotal   prometheus.Counter
	WithdrawalsTotal prometheus.Counter

	// --- Transfers ---
	TransfersRequested prometheus.Counter
	TransfersResolved  *prometheus.CounterVec
	TransfersPending   prometheus.Gauge

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	NonceRejected         *prometheus.CounterVec

	// --- Channels ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten  prometheus.Counter
	PersistEntriesWritten prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur prometheus.Histogram
	ProjectionErrors    prometheus.Counter

	// --- Snapshot & recovery ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayCallsTotal prometheus.Counter

	// --- Outbound ---
	PublishErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		CallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_calls_applied_total",
			Help: "Calls successfully applied by the host",
		}, []string{"call_type"}),

		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_calls_rejected_total",
			Help: "Calls rejected (host admission, ledger error, nonce, duplicate)",
		}, []string{"call_type", "reason"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "donation_call_apply_duration_seconds",
			Help:    "Time to apply a single call",
			Buckets: latencyBuckets,
		}, []string{"call_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_sequence",
			Help: "Next sequence number to be assigned",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "donation_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		PooledBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_pooled_balance_display",
			Help: "Pooled balance in display units (approximate)",
		}),

		HistoryLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_history_length",
			Help: "Number of history entries",
		}),

		DonationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_donations_total",
			Help: "Donation entries recorded",
		}),

		WithdrawalsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_withdrawals_total",
			Help: "Withdrawal entries recorded",
		}),

		TransfersRequested: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_transfers_requested_total",
			Help: "Transfer requests emitted to the host",
		}),

		TransfersResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_transfers_resolved_total",
			Help: "Transfers resolved by settlement outcome",
		}, []string{"status"}),

		TransfersPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_transfers_pending",
			Help: "Transfers requested but not yet settled or failed",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"call_type", "tier"}),

		NonceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_nonce_rejected_total",
			Help: "Calls rejected for nonce gaps or stale nonces",
		}, []string{"reason"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_persist_events_written_total",
			Help: "Event log rows written",
		}),

		PersistEntriesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_persist_entries_written_total",
			Help: "History rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "donation_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "donation_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "donation_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_projection_errors_total",
			Help: "Projection updates that failed",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "donation_snapshot_duration_seconds",
			Help:    "Snapshot capture and write duration",
			Buckets: dbBuckets,
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "donation_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayCallsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_replay_calls_total",
			Help: "Calls replayed from the event log at startup",
		}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_publish_errors_total",
			Help: "Outbound publish failures by sink",
		}, []string{"sink"}),
	}
}
