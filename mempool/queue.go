package mempool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

// TriggerQueue is a bounded FIFO shared by the producers and the single
// consumer. Publishing into a full queue evicts the oldest trigger.
type TriggerQueue struct {
	ch      chan Trigger
	mu      sync.Mutex
	metrics *metrics.MempoolMetrics
	logger  *zap.Logger
}

func NewTriggerQueue(size int, m *metrics.MempoolMetrics, logger *zap.Logger) *TriggerQueue {
	if size <= 0 {
		size = 1
	}
	return &TriggerQueue{
		ch:      make(chan Trigger, size),
		metrics: m,
		logger:  logger,
	}
}

// Publish enqueues t without blocking. It reports whether an older trigger
// was dropped to make room.
func (q *TriggerQueue) Publish(t Trigger) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		select {
		case q.ch <- t:
			if q.metrics != nil {
				q.metrics.Triggers.WithLabelValues(t.Kind.String()).Inc()
				q.metrics.QueueDepth.Set(float64(len(q.ch)))
			}
			return dropped
		default:
		}

		select {
		case old := <-q.ch:
			dropped = true
			if q.metrics != nil {
				q.metrics.Dropped.Inc()
			}
			q.logger.Debug("Trigger queue full, dropping oldest",
				zap.String("kind", old.Kind.String()),
				zap.Uint64("block", old.Block))
		default:
		}
	}
}

// Subscribe returns the receive side for the consumer.
func (q *TriggerQueue) Subscribe() <-chan Trigger {
	return q.ch
}

// Len returns the number of queued triggers.
func (q *TriggerQueue) Len() int {
	return len(q.ch)
}
