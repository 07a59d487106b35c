package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

const Namespace = "polyarb"

type MempoolMetrics struct {
	Triggers   *prometheus.CounterVec
	Dropped    prometheus.Counter
	QueueDepth prometheus.Gauge
	Filtered   prometheus.Counter
	FetchFails prometheus.Counter
}

func NewMempoolMetrics(reg prometheus.Registerer, namespace string) *MempoolMetrics {
	f := promauto.With(reg)
	return &MempoolMetrics{
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Triggers received by kind",
		}, []string{"kind"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_dropped_total",
			Help:      "Triggers evicted from a full queue",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_queue_depth",
			Help:      "Current number of queued triggers",
		}),
		Filtered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_filtered_total",
			Help:      "Pending transactions discarded by the pre-filter",
		}),
		FetchFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_fetch_errors_total",
			Help:      "Failed pending transaction lookups",
		}),
	}
}

type StrategyMetrics struct {
	Evaluations   *prometheus.CounterVec
	Opportunities prometheus.Counter
	EvalLatency   prometheus.Histogram
	ProfitTotal   prometheus.Counter
	Deduplicated  prometheus.Counter
}

func NewStrategyMetrics(reg prometheus.Registerer, namespace string) *StrategyMetrics {
	f := promauto.With(reg)
	return &StrategyMetrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Trigger evaluations by outcome",
		}, []string{"outcome"}),
		Opportunities: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Opportunities above the profit threshold",
		}),
		EvalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_latency_seconds",
			Help:      "Time to evaluate a trigger",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ProfitTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expected_profit_wei_total",
			Help:      "Sum of expected profit of detected opportunities",
		}),
		Deduplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_deduplicated_total",
			Help:      "Opportunities suppressed by the dedup policy",
		}),
	}
}

type RelayMetrics struct {
	Submitted   prometheus.Counter
	Errors      *prometheus.CounterVec
	Statuses    *prometheus.CounterVec
	Simulations *prometheus.CounterVec
	BidTotal    prometheus.Counter
}

func NewRelayMetrics(reg prometheus.Registerer, namespace string) *RelayMetrics {
	f := promauto.With(reg)
	return &RelayMetrics{
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_submitted_total",
			Help:      "Bundles accepted by the relay transport",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_errors_total",
			Help:      "Bundle pipeline failures by stage",
		}, []string{"stage"}),
		Statuses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_status_total",
			Help:      "Terminal bundle outcomes",
		}, []string{"status"}),
		Simulations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_total",
			Help:      "Pre-submission simulations by result",
		}, []string{"result"}),
		BidTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bid_wei_total",
			Help:      "Sum of bids attached to submitted bundles",
		}),
	}
}

type IndexMetrics struct {
	RefreshErrors  prometheus.Counter
	RefreshLatency prometheus.Histogram
	Pools          prometheus.Gauge
	Tokens         prometheus.Gauge
	Block          prometheus.Gauge
}

func NewIndexMetrics(reg prometheus.Registerer, namespace string) *IndexMetrics {
	f := promauto.With(reg)
	return &IndexMetrics{
		RefreshErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_refresh_errors_total",
			Help:      "Failed reserve refreshes",
		}),
		RefreshLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reserve_refresh_seconds",
			Help:      "Time to refresh all tracked reserves",
			Buckets:   prometheus.DefBuckets,
		}),
		Pools: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_pools",
			Help:      "Pools in the current snapshot",
		}),
		Tokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_tokens",
			Help:      "Tokens in the current graph",
		}),
		Block: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_block",
			Help:      "Block number of the current snapshot",
		}),
	}
}

// EngineMetrics groups every collector the engine exports.
type EngineMetrics struct {
	Mempool  *MempoolMetrics
	Strategy *StrategyMetrics
	Relay    *RelayMetrics
	Index    *IndexMetrics
}

// NewEngineMetrics registers all collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		Mempool:  NewMempoolMetrics(reg, Namespace),
		Strategy: NewStrategyMetrics(reg, Namespace),
		Relay:    NewRelayMetrics(reg, Namespace),
		Index:    NewIndexMetrics(reg, Namespace),
	}
}

// Summary is a point-in-time read of the main counters, used for the
// periodic status log line.
type Summary struct {
	Triggers      float64
	Dropped       float64
	Evaluations   float64
	Opportunities float64
	Submitted     float64
	Included      float64
	Replaced      float64
	RefreshErrors float64
}

// Snapshot reads the counters back through the client model.
func (e *EngineMetrics) Snapshot() Summary {
	return Summary{
		Triggers:      Sum(e.Mempool.Triggers),
		Dropped:       Sum(e.Mempool.Dropped),
		Evaluations:   Sum(e.Strategy.Evaluations),
		Opportunities: Sum(e.Strategy.Opportunities),
		Submitted:     Sum(e.Relay.Submitted),
		Included:      Sum(e.Relay.Statuses.WithLabelValues("included")),
		Replaced:      Sum(e.Relay.Statuses.WithLabelValues("replaced")),
		RefreshErrors: Sum(e.Index.RefreshErrors),
	}
}

// Sum adds up the counter and gauge values of every metric c exposes.
func Sum(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		}
	}
	return total
}

// Serve exposes gatherer on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
