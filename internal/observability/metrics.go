package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the clearing service exports.
type Metrics struct {
	// Core pipeline
	CoreEventsApplied   *prometheus.CounterVec
	CommandsRejected    *prometheus.CounterVec
	CoreEventDuration   *prometheus.HistogramVec
	CoreSequence        prometheus.Gauge
	PersistBackpressure prometheus.Counter

	// Channels
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// Ingestion
	IngestToApply   *prometheus.HistogramVec
	IngestParseErrs *prometheus.CounterVec

	// Funding and liquidation
	FundingEpochsSettled    *prometheus.CounterVec
	FundingPositionsSettled *prometheus.CounterVec
	LiquidationsCompleted   *prometheus.CounterVec
	InsuranceFundBalance    prometheus.Gauge

	// Persistence
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDuration   prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetries         prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// Snapshot and replay
	SnapshotsTaken       prometheus.Counter
	SnapshotDuration     prometheus.Histogram
	SnapshotSizeBytes    prometheus.Gauge
	SnapshotLastSequence prometheus.Gauge
	ReplayEventsTotal    prometheus.Counter
	ReplayDuration       prometheus.Gauge

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
// Call once per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on the given registerer. Tests pass a fresh
// registry so each one starts from zero.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	applyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_events_applied_total",
			Help: "Fact events applied by the core",
		}, []string{"event_type"}),

		CommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_rejected_total",
			Help: "Commands rejected by the solvency gate or liquidation engine",
		}, []string{"code"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_core_event_apply_duration_seconds",
			Help:    "Time to apply one event in the core",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_core_sequence",
			Help: "Next global sequence the core will assign",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel size over capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_projection_drops_total",
			Help: "Events dropped on a full projection channel",
		}, []string{"event_type"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Events dropped on a full publish channel",
		}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		IngestParseErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_ingest_parse_errors_total",
			Help: "Messages dropped as unparseable",
		}, []string{"subject"}),

		FundingEpochsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_epochs_settled_total",
			Help: "Funding epochs settled",
		}, []string{"market_id"}),

		FundingPositionsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_positions_settled_total",
			Help: "Positions charged or paid across all settled epochs",
		}, []string{"market_id"}),

		LiquidationsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidations_completed_total",
			Help: "Forced closes by outcome (closed or bad_debt)",
		}, []string{"market_id", "outcome"}),

		InsuranceFundBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_insurance_fund_balance",
			Help: "Insurance fund balance in settlement-asset units",
		}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_size",
			Help:    "Events per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retries_total",
			Help: "Persistence write retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last event sequence durably written",
		}),

		SnapshotsTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_snapshots_taken_total",
			Help: "State snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearing_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_replay_duration_seconds",
			Help: "Total startup replay time",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates the gauges for one named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
