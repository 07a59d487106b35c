package mempool

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

type staticHead uint64

func (h staticHead) Latest() uint64 { return uint64(h) }

func setupTestMonitor(t *testing.T, client *mockEthClient, queueSize int) (*Monitor, *TriggerQueue, *metrics.MempoolMetrics) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	cfg := config.DefaultConfig()
	cfg.RPCRateLimit = config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000, WaitTimeout: time.Second}
	cfg.ReadTimeout = time.Second
	cfg.SeenCacheSize = 16

	m := metrics.NewMempoolMetrics(reg, metrics.Namespace)
	q := NewTriggerQueue(queueSize, m, logger)
	breaker := NewCircuitBreaker(cfg.CircuitBreaker, reg, logger)
	mon, err := NewMonitor(cfg, client, q, staticHead(42), breaker, m, logger)
	require.NoError(t, err)
	return mon, q, m
}

func TestMonitor_Handle(t *testing.T) {
	router := common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
	tx := newTestTx(1, &router, make([]byte, 200))
	creation := newTestTx(2, nil, make([]byte, 200))

	t.Run("publishes fetched transaction", func(t *testing.T) {
		client := newMockEthClient()
		client.addTransaction(tx)
		mon, q, _ := setupTestMonitor(t, client, 8)

		require.NoError(t, mon.handle(context.Background(), tx.Hash()))
		require.Equal(t, 1, q.Len())
		got := <-q.Subscribe()
		assert.Equal(t, PendingTx, got.Kind)
		assert.Equal(t, tx.Hash(), got.Hash())
		assert.Equal(t, uint64(42), got.Block)
	})

	t.Run("seen hashes are skipped", func(t *testing.T) {
		client := newMockEthClient()
		client.addTransaction(tx)
		mon, q, _ := setupTestMonitor(t, client, 8)

		require.NoError(t, mon.handle(context.Background(), tx.Hash()))
		require.NoError(t, mon.handle(context.Background(), tx.Hash()))
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 1, client.lookupCount())
	})

	t.Run("contract creation is filtered", func(t *testing.T) {
		client := newMockEthClient()
		client.addTransaction(creation)
		mon, q, m := setupTestMonitor(t, client, 8)

		require.NoError(t, mon.handle(context.Background(), creation.Hash()))
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, float64(1), testutil.ToFloat64(m.Filtered))
	})

	t.Run("lookup failures trip the breaker", func(t *testing.T) {
		client := newMockEthClient()
		client.setError("connection refused")
		mon, q, m := setupTestMonitor(t, client, 8)

		for i := 0; i < 10; i++ {
			err := mon.handle(context.Background(), common.BigToHash(big.NewInt(int64(i+1))))
			require.Error(t, err)
		}
		assert.Equal(t, 0, q.Len())
		assert.False(t, mon.breaker.IsHealthy())
		assert.Equal(t, float64(10), testutil.ToFloat64(m.FetchFails))

		err := mon.handle(context.Background(), common.HexToHash("0xff"))
		assert.ErrorIs(t, err, ErrBreakerOpen)

		client.clearError()
	})
}

func TestMonitor_Run(t *testing.T) {
	t.Run("subscription unsupported", func(t *testing.T) {
		client := newMockEthClient()
		client.subscribeError = errors.New("notifications not supported")
		mon, _, _ := setupTestMonitor(t, client, 8)

		err := mon.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to subscribe")
	})

	t.Run("streams hashes until cancelled", func(t *testing.T) {
		router := common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
		tx := newTestTx(7, &router, make([]byte, 200))
		client := newMockEthClient()
		client.addTransaction(tx)
		mon, q, _ := setupTestMonitor(t, client, 8)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- mon.Run(ctx) }()

		require.Eventually(t, func() bool { return client.emit(tx.Hash()) }, time.Second, 5*time.Millisecond)

		select {
		case got := <-q.Subscribe():
			assert.Equal(t, tx.Hash(), got.Hash())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for trigger")
		}

		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("subscription error ends run", func(t *testing.T) {
		client := newMockEthClient()
		mon, _, _ := setupTestMonitor(t, client, 8)
		client.sub.errCh <- errors.New("websocket closed")

		err := mon.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "websocket closed")
	})
}

func TestBlockWatcher(t *testing.T) {
	client := newMockEthClient()
	client.setBlockNumber(100)
	q := NewTriggerQueue(8, nil, zaptest.NewLogger(t))
	w := NewBlockWatcher(client, q, time.Hour, time.Second, zaptest.NewLogger(t))

	w.poll(context.Background())
	assert.Equal(t, uint64(100), w.Latest())
	require.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(100), (<-q.Subscribe()).Block)

	// same head publishes nothing
	w.poll(context.Background())
	assert.Equal(t, 0, q.Len())

	// read errors keep the last head
	client.setError("timeout")
	w.poll(context.Background())
	assert.Equal(t, uint64(100), w.Latest())
	assert.Equal(t, 0, q.Len())

	client.clearError()
	client.setBlockNumber(101)
	w.poll(context.Background())
	assert.Equal(t, uint64(101), w.Latest())
	got := <-q.Subscribe()
	assert.Equal(t, NewBlock, got.Kind)
	assert.Equal(t, uint64(101), got.Block)
}

func TestBlockWatcher_RunStopsOnCancel(t *testing.T) {
	client := newMockEthClient()
	client.setBlockNumber(5)
	q := NewTriggerQueue(8, nil, zaptest.NewLogger(t))
	w := NewBlockWatcher(client, q, 10*time.Millisecond, time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Latest() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
