package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Manager picks the cheapest flash loan source for a trade.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *zap.Logger

	metrics struct {
		providerSelections *prometheus.CounterVec
		refreshErrors      *prometheus.CounterVec
		refreshLatency     prometheus.Histogram
	}
}

func NewManager(reg prometheus.Registerer, logger *zap.Logger) *Manager {
	m := &Manager{logger: logger}
	f := promauto.With(reg)

	m.metrics.providerSelections = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyarb",
		Name:      "flashloan_provider_selections_total",
		Help:      "Number of times each provider was selected",
	}, []string{"provider"})
	m.metrics.refreshErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyarb",
		Name:      "flashloan_refresh_errors_total",
		Help:      "Failed premium refreshes by provider",
	}, []string{"provider"})
	m.metrics.refreshLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: "polyarb",
		Name:      "flashloan_refresh_latency_seconds",
		Help:      "Latency of a full premium refresh",
		Buckets:   prometheus.DefBuckets,
	})
	return m
}

// AddProvider adds a new flash loan provider
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Cheapest returns the provider with the lowest premium for amount. Ties go
// to the provider added first. With no providers it returns "" and zero.
func (m *Manager) Cheapest(amount *big.Int) (string, *big.Int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		bestName string
		bestFee  *big.Int
	)
	for _, p := range m.providers {
		fee := p.Premium(amount)
		if fee == nil {
			continue
		}
		if bestFee == nil || fee.Cmp(bestFee) < 0 {
			bestName = p.Name()
			bestFee = fee
		}
	}

	if bestFee == nil {
		return "", new(big.Int)
	}
	m.metrics.providerSelections.WithLabelValues(bestName).Inc()
	return bestName, bestFee
}

// RefreshAll refreshes every provider. A failing provider keeps its previous
// premium, and all failures are returned joined.
func (m *Manager) RefreshAll(ctx context.Context) error {
	start := time.Now()
	defer func() {
		m.metrics.refreshLatency.Observe(time.Since(start).Seconds())
	}()

	m.mu.RLock()
	providers := append([]Provider(nil), m.providers...)
	m.mu.RUnlock()

	var errs []error
	for _, p := range providers {
		if err := p.Refresh(ctx); err != nil {
			m.metrics.refreshErrors.WithLabelValues(p.Name()).Inc()
			m.logger.Warn("Failed to refresh flash loan premium",
				zap.String("provider", p.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
