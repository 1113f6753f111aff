package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the service.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Vault & Pool ---
	TotalDebt         prometheus.Gauge
	VaultCollateral   *prometheus.GaugeVec
	OpenPositions     prometheus.Gauge
	PoolDeposits      prometheus.Gauge
	PoolCollateral    *prometheus.GaugeVec
	Liquidations      *prometheus.CounterVec
	LiquidatedDebt    *prometheus.CounterVec
	CollateralSeized  *prometheus.CounterVec
	DebtWrittenOff    prometheus.Counter
	CollateralClaimed *prometheus.CounterVec

	// --- Oracle ---
	OraclePrice       *prometheus.GaugeVec
	OracleCircuitOpen *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistStateRows       *prometheus.CounterVec
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge
	ProjectionErrors    prometheus.Counter

	// --- Messaging ---
	NATSMessages      *prometheus.CounterVec
	NATSPublished     *prometheus.CounterVec
	NATSPublishErrors prometheus.Counter

	// --- HTTP & Query API ---
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	HTTPRateLimited prometheus.Counter
	QueryRequests   *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	requestBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_rejected_total",
			Help: "Commands rejected by error code",
		}, []string{"event_type", "code"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Next global sequence number",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition_kind"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition_kind"}),

		// Vault & Pool
		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_vault_total_debt",
			Help: "Outstanding debt over all positions",
		}),

		VaultCollateral: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_vault_collateral",
			Help: "Deposited collateral per kind",
		}, []string{"kind"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_vault_open_positions",
			Help: "Positions not closed",
		}),

		PoolDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_total_deposits",
			Help: "Debt tokens in the stability pool",
		}),

		PoolCollateral: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_pool_collateral",
			Help: "Absorbed collateral not yet claimed, per kind",
		}, []string{"kind"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Liquidations executed",
		}, []string{"kind"}),

		LiquidatedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt repaid out of the pool by liquidations",
		}, []string{"kind"}),

		CollateralSeized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_collateral_seized_total",
			Help: "Collateral seized including penalty",
		}, []string{"kind"}),

		DebtWrittenOff: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_debt_written_off_total",
			Help: "Debt written off after collateral ran out",
		}),

		CollateralClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_pool_collateral_claimed_total",
			Help: "Collateral gains claimed by depositors",
		}, []string{"kind"}),

		// Oracle
		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_oracle_price",
			Help: "Last reported price per asset",
		}, []string{"asset"}),

		OracleCircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_oracle_circuit_open",
			Help: "1 while the sequencer circuit is open",
		}, []string{"asset"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistStateRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_state_rows_total",
			Help: "State table rows upserted or deleted",
		}, []string{"table", "op"}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_errors_total",
			Help: "Projection update failures",
		}),

		// Messaging
		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_nats_messages_total",
			Help: "Inbound NATS messages by outcome",
		}, []string{"stream", "outcome"}),

		NATSPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_nats_published_total",
			Help: "Outbound events published",
		}, []string{"event_type"}),

		NATSPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_nats_publish_errors_total",
			Help: "Outbound publish failures",
		}),

		// HTTP & Query API
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_http_requests_total",
			Help: "Gateway requests",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_http_request_duration_seconds",
			Help:    "Gateway request latency",
			Buckets: requestBuckets,
		}, []string{"route"}),

		HTTPRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: requestBuckets,
		}, []string{"endpoint"}),
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
