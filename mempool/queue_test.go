package mempool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

func TestTriggerQueue_FIFO(t *testing.T) {
	q := NewTriggerQueue(4, nil, zaptest.NewLogger(t))

	for i := uint64(1); i <= 3; i++ {
		assert.False(t, q.Publish(NewBlockTrigger(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := uint64(1); i <= 3; i++ {
		got := <-q.Subscribe()
		assert.Equal(t, i, got.Block)
		assert.Equal(t, NewBlock, got.Kind)
	}
	assert.Equal(t, 0, q.Len())
}

func TestTriggerQueue_DropsOldestWhenFull(t *testing.T) {
	m := metrics.NewMempoolMetrics(prometheus.NewRegistry(), metrics.Namespace)
	q := NewTriggerQueue(2, m, zaptest.NewLogger(t))

	assert.False(t, q.Publish(NewBlockTrigger(1)))
	assert.False(t, q.Publish(NewBlockTrigger(2)))
	assert.True(t, q.Publish(NewBlockTrigger(3)))
	assert.True(t, q.Publish(NewBlockTrigger(4)))

	require.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(3), (<-q.Subscribe()).Block)
	assert.Equal(t, uint64(4), (<-q.Subscribe()).Block)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Dropped))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.Triggers.WithLabelValues("new_block")))
}

func TestTriggerQueue_ZeroSize(t *testing.T) {
	q := NewTriggerQueue(0, nil, zaptest.NewLogger(t))
	q.Publish(NewBlockTrigger(7))
	q.Publish(NewBlockTrigger(8))
	assert.Equal(t, uint64(8), (<-q.Subscribe()).Block)
}

func TestTriggerKind_String(t *testing.T) {
	assert.Equal(t, "pending_tx", PendingTx.String())
	assert.Equal(t, "new_block", NewBlock.String())
	assert.Equal(t, "unknown", TriggerKind(0).String())
}

func TestTrigger_Hash(t *testing.T) {
	assert.Equal(t, common.Hash{}, NewBlockTrigger(1).Hash())

	tx := newTestTx(1, nil, nil)
	assert.Equal(t, tx.Hash(), NewPendingTrigger(tx, 5).Hash())
}
