// Package monitor exports Go runtime health next to the engine metrics.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Stats is one sample of the runtime.
type Stats struct {
	Goroutines  int
	HeapObjects uint64
	HeapAlloc   uint64
	GCPause     time.Duration
	NumGC       uint32
}

// SystemMonitor samples runtime stats on an interval until Cleanup.
type SystemMonitor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics struct {
		goroutines  prometheus.Gauge
		heapObjects prometheus.Gauge
		heapAlloc   prometheus.Gauge
		gcPause     prometheus.Gauge
	}
	wg sync.WaitGroup

	mu   sync.RWMutex
	last Stats
}

// NewSystemMonitor registers the runtime gauges on reg under namespace and
// starts sampling.
func NewSystemMonitor(ctx context.Context, reg prometheus.Registerer, namespace string, interval time.Duration, logger *zap.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &SystemMonitor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	f := promauto.With(reg)
	m.metrics.goroutines = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_goroutines",
		Help:      "Current number of goroutines",
	})
	m.metrics.heapObjects = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_heap_objects",
		Help:      "Current number of heap objects",
	})
	m.metrics.heapAlloc = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_heap_alloc_bytes",
		Help:      "Current heap allocation in bytes",
	})
	m.metrics.gcPause = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_gc_pause_seconds",
		Help:      "Most recent GC pause",
	})

	m.collect()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(interval)
	}()

	return m
}

func (m *SystemMonitor) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *SystemMonitor) collect() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := Stats{
		Goroutines:  runtime.NumGoroutine(),
		HeapObjects: memStats.HeapObjects,
		HeapAlloc:   memStats.HeapAlloc,
		GCPause:     time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256]),
		NumGC:       memStats.NumGC,
	}

	m.metrics.goroutines.Set(float64(s.Goroutines))
	m.metrics.heapObjects.Set(float64(s.HeapObjects))
	m.metrics.heapAlloc.Set(float64(s.HeapAlloc))
	m.metrics.gcPause.Set(s.GCPause.Seconds())

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
}

// Stats returns the latest sample.
func (m *SystemMonitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// LogFields renders the latest sample for the periodic status line.
func (m *SystemMonitor) LogFields() []zap.Field {
	s := m.Stats()
	return []zap.Field{
		zap.Int("goroutines", s.Goroutines),
		zap.Uint64("heap_alloc", s.HeapAlloc),
		zap.Duration("gc_pause", s.GCPause),
	}
}

// Cleanup stops sampling and waits for the sampler to exit.
func (m *SystemMonitor) Cleanup() {
	m.cancel()
	m.wg.Wait()
}
