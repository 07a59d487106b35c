package mempool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/config"
)

// CircuitBreaker stops pending-transaction lookups after ErrorThreshold
// failures within ResetInterval, and re-enables them after CooldownPeriod.
type CircuitBreaker struct {
	cfg    config.CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	errorCount  int
	lastReset   time.Time
	lastTripped time.Time
	tripped     bool

	tripCount prometheus.Counter
	errorRate prometheus.Counter
}

func NewCircuitBreaker(cfg config.CircuitBreakerConfig, reg prometheus.Registerer, logger *zap.Logger) *CircuitBreaker {
	return newCircuitBreaker(cfg, reg, logger, time.Now)
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig, reg prometheus.Registerer, logger *zap.Logger, now func() time.Time) *CircuitBreaker {
	f := promauto.With(reg)
	return &CircuitBreaker{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		lastReset: now(),
		tripCount: f.NewCounter(prometheus.CounterOpts{
			Namespace: "polyarb",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}),
		errorRate: f.NewCounter(prometheus.CounterOpts{
			Namespace: "polyarb",
			Name:      "circuit_breaker_errors_total",
			Help:      "Total number of errors recorded by circuit breaker",
		}),
	}
}

// RecordError counts a failure and reports whether it tripped the breaker.
func (cb *CircuitBreaker) RecordError(err error) bool {
	if !cb.cfg.Enabled {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollWindow()
	cb.errorRate.Inc()
	if cb.tripped {
		return false
	}

	cb.errorCount++
	if cb.errorCount >= cb.cfg.ErrorThreshold {
		cb.tripped = true
		cb.lastTripped = cb.now()
		cb.tripCount.Inc()
		cb.logger.Warn("Circuit breaker tripped",
			zap.Int("error_count", cb.errorCount),
			zap.Error(err))
		return true
	}
	return false
}

// IsHealthy reports whether calls may proceed. A tripped breaker closes
// again once the cooldown has elapsed.
func (cb *CircuitBreaker) IsHealthy() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollWindow()
	if cb.tripped && cb.now().Sub(cb.lastTripped) >= cb.cfg.CooldownPeriod {
		cb.tripped = false
		cb.errorCount = 0
		cb.lastReset = cb.now()
		cb.logger.Info("Circuit breaker reset",
			zap.Duration("cooldown_period", cb.cfg.CooldownPeriod))
	}
	return !cb.tripped
}

func (cb *CircuitBreaker) rollWindow() {
	if cb.now().Sub(cb.lastReset) >= cb.cfg.ResetInterval {
		if !cb.tripped {
			cb.errorCount = 0
		}
		cb.lastReset = cb.now()
	}
}
