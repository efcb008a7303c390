package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StakeLedger.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied    *prometheus.CounterVec
	EngineOpsRejected   *prometheus.CounterVec
	EngineOpDuration    *prometheus.HistogramVec
	EngineJournals      *prometheus.CounterVec
	EngineSequence      prometheus.Gauge
	IntegrityFaults     *prometheus.CounterVec
	ExternalFailures    *prometheus.CounterVec
	CompensationsRun    *prometheus.CounterVec
	IdempotencyDupes    *prometheus.CounterVec
	IdempotencyTier2Err prometheus.Counter

	// --- Pool ---
	PoolTVL          prometheus.Gauge
	PoolReserve      prometheus.Gauge
	PoolUtilization  prometheus.Gauge
	PoolCurrentRate  prometheus.Gauge
	PoolActiveStakes prometheus.Gauge
	PoolPaused       prometheus.Gauge
	RewardsPaid      prometheus.Counter
	RewardsForfeited prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   *prometheus.GaugeVec

	// --- Bus ---
	NATSMessages  *prometheus.CounterVec
	NATSPublished *prometheus.CounterVec

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. Tests pass a
// fresh prometheus.NewRegistry() so metrics never collide between cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		EngineOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		EngineOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_engine_ops_rejected_total",
			Help: "Operations rejected on a precondition",
		}, []string{"op", "code"}),

		EngineOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_engine_op_duration_seconds",
			Help:    "Time to run one operation including custody and store commit",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_engine_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_engine_sequence",
			Help: "Last committed operation sequence",
		}),

		IntegrityFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_integrity_faults_total",
			Help: "Integrity faults requiring operator attention",
		}, []string{"code"}),

		ExternalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_external_failures_total",
			Help: "Operations rolled back after a collaborator failure",
		}, []string{"op"}),

		CompensationsRun: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_compensations_total",
			Help: "Rollback steps executed",
		}, []string{"step", "outcome"}),

		IdempotencyDupes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_idempotency_duplicates_total",
			Help: "Duplicate operations caught (lru/postgres)",
		}, []string{"op", "tier"}),

		IdempotencyTier2Err: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_idempotency_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Pool
		PoolTVL: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_tvl_tokens",
			Help: "Total value locked, whole tokens",
		}),

		PoolReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_reserve_tokens",
			Help: "Custody reserve, whole tokens",
		}),

		PoolUtilization: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_utilization_percent",
			Help: "TVL as a percentage of max cap",
		}),

		PoolCurrentRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_current_rate_percent",
			Help: "Rate a new stake would lock in",
		}),

		PoolActiveStakes: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_active_stakes",
			Help: "Number of active stakes",
		}),

		PoolPaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_pool_paused",
			Help: "1 when new stakes are paused",
		}),

		RewardsPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_rewards_paid_tokens_total",
			Help: "Rewards paid on unstake, whole tokens",
		}),

		RewardsForfeited: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_emergency_withdrawals_total",
			Help: "Emergency withdrawals (reward forfeited)",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_projection_drops_total",
			Help: "Envelopes dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionLastSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_projection_last_sequence",
			Help: "Watermark of each projection",
		}, []string{"projection"}),

		// Bus
		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_nats_messages_total",
			Help: "Inbound bus messages by outcome (ack/nak/term)",
		}, []string{"subject", "outcome"}),

		NATSPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_nats_published_total",
			Help: "Outbound envelopes published",
		}, []string{"op", "status"}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_api_errors_total",
			Help: "API errors by code",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
