package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/polyarb/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		Enabled:        true,
		ErrorThreshold: 3,
		ResetInterval:  time.Minute,
		CooldownPeriod: 30 * time.Second,
	}
	errBoom := errors.New("boom")

	t.Run("trips at threshold and recovers after cooldown", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1700000000, 0)}
		cb := newCircuitBreaker(cfg, prometheus.NewRegistry(), zaptest.NewLogger(t), clock.now)

		assert.False(t, cb.RecordError(errBoom))
		assert.False(t, cb.RecordError(errBoom))
		assert.True(t, cb.IsHealthy())
		assert.True(t, cb.RecordError(errBoom))
		assert.False(t, cb.IsHealthy())
		assert.Equal(t, float64(1), testutil.ToFloat64(cb.tripCount))

		clock.advance(29 * time.Second)
		assert.False(t, cb.IsHealthy())
		clock.advance(time.Second)
		assert.True(t, cb.IsHealthy())
	})

	t.Run("errors outside the window are forgotten", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1700000000, 0)}
		cb := newCircuitBreaker(cfg, prometheus.NewRegistry(), zaptest.NewLogger(t), clock.now)

		cb.RecordError(errBoom)
		cb.RecordError(errBoom)
		clock.advance(time.Minute)
		assert.False(t, cb.RecordError(errBoom))
		assert.True(t, cb.IsHealthy())
	})

	t.Run("disabled breaker is always healthy", func(t *testing.T) {
		disabled := cfg
		disabled.Enabled = false
		cb := NewCircuitBreaker(disabled, prometheus.NewRegistry(), zaptest.NewLogger(t))
		for i := 0; i < 10; i++ {
			assert.False(t, cb.RecordError(errBoom))
		}
		assert.True(t, cb.IsHealthy())
	})
}
