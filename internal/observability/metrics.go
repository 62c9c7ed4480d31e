package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger. Every metric is
// prefixed lend_.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreBlock          prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	StaleBlocks           *prometheus.CounterVec
	PriceUpdates          *prometheus.CounterVec

	// --- Lending ---
	InterestAccrued   *prometheus.CounterVec
	MarketUtilization *prometheus.GaugeVec
	MarketTotalDebt   *prometheus.GaugeVec
	MarketCash        *prometheus.GaugeVec
	Liquidations      *prometheus.CounterVec
	Flashloans        *prometheus.CounterVec
	ReserveWithdrawn  *prometheus.CounterVec
	SyntheticEquity   *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten    prometheus.Counter
	PersistTransfersWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// It must be called once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_events_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"event_type"}),
		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_events_rejected_total",
			Help: "Commands rejected, by error kind (or duplicate)",
		}, []string{"event_type", "reason"}),
		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),
		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_transfers_generated_total",
			Help: "Asset movements recorded",
		}, []string{"journal_type"}),
		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Current global sequence number",
		}),
		CoreBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_block",
			Help: "Block of the last applied command",
		}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_ingest_to_apply_seconds",
			Help:    "Command receipt to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),
		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_apply_to_persist_seconds",
			Help:    "Engine emit to Postgres commit",
			Buckets: latencyBuckets,
		}),
		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),
		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),
		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),
		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),
		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),
		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),
		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),
		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),
		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),
		StaleBlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_stale_block_total",
			Help: "Commands rejected for a block behind the engine clock",
		}, []string{"event_type"}),
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_updates_total",
			Help: "Oracle updates by outcome (accepted/gap/stale)",
		}, []string{"market_id", "outcome"}),

		InterestAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_interest_accrued_total",
			Help: "Interest accrued, in base units",
		}, []string{"market_id"}),
		MarketUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_utilization",
			Help: "Borrowed / supplied (0.0-1.0)",
		}, []string{"market_id"}),
		MarketTotalDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_total_debt",
			Help: "Total debt, in base units",
		}, []string{"market_id"}),
		MarketCash: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_market_cash",
			Help: "Pool cash, in base units",
		}, []string{"market_id"}),
		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Successful liquidations",
		}, []string{"repay_market", "collateral_market"}),
		Flashloans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_flashloans_total",
			Help: "Settled flashloans",
		}, []string{"market_id"}),
		ReserveWithdrawn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_reserves_withdrawn_total",
			Help: "Reserves withdrawn, in base units",
		}, []string{"asset"}),
		SyntheticEquity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_synthetic_equity",
			Help: "Synthetic ledger debt minus earning, in base units",
		}, []string{"asset"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),
		PersistTransfersWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_transfers_written_total",
			Help: "Transfer journal rows written to Postgres",
		}),
		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),
		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),
		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots created",
		}),
		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),
		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),
		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),
		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_replay_events_total",
			Help: "Events replayed on startup",
		}),
		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),
		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "Query errors",
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
