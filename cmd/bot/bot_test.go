package bot

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/polyarb/bundle"
	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/flashloan"
	"github.com/michaelpento.lv/polyarb/mempool"
	"github.com/michaelpento.lv/polyarb/simulator"
	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

var (
	executorAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tokenA       = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB       = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	pool1        = common.HexToAddress("0x0000000000000000000000000000000000000001")
	pool2        = common.HexToAddress("0x0000000000000000000000000000000000000002")
	quick        = common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
	errStage     = errors.New("stage failed")
)

type fakeEvaluator struct {
	mu     sync.Mutex
	opp    *types.ArbitrageOpportunity
	panics bool
	calls  int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, trig mempool.Trigger) *types.ArbitrageOpportunity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		f.panics = false
		panic("evaluator bug")
	}
	return f.opp
}

type fakeRefresher struct {
	mu     sync.Mutex
	blocks []uint64
	err    error
}

func (f *fakeRefresher) Refresh(ctx context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, block)
	return f.err
}

type countingUpdater struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingUpdater) Update(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingUpdater) RefreshAll(ctx context.Context) error {
	return c.Update(ctx)
}

type mockHead struct {
	mu       sync.RWMutex
	block    uint64
	failures int
	calls    int
}

func (m *mockHead) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return 0, errStage
	}
	return m.block, nil
}

type mockSubmitter struct {
	mu       sync.RWMutex
	observed []uint64
	bundles  []*types.Bundle
	bids     []*big.Int
	pending  []types.BundleHandle
	statuses map[string]types.BundleStatus
	awaited  []string
	awaitErr error
	err      error
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{statuses: make(map[string]types.BundleStatus)}
}

func (m *mockSubmitter) From() common.Address { return common.HexToAddress("0xa1") }

func (m *mockSubmitter) ObserveBlock(number uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, number)
}

func (m *mockSubmitter) Submit(ctx context.Context, b *types.Bundle, bid *big.Int) (types.BundleHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.BundleHandle{}, m.err
	}
	m.bundles = append(m.bundles, b)
	m.bids = append(m.bids, bid)
	return types.BundleHandle{ID: "h", TargetBlock: b.TargetBlock, Bid: bid, SubmittedAt: time.Now()}, nil
}

func (m *mockSubmitter) Status(ctx context.Context, h types.BundleHandle) types.BundleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[h.ID]; ok {
		return s
	}
	return types.BundlePending
}

func (m *mockSubmitter) Await(ctx context.Context, h types.BundleHandle) (*ethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaited = append(m.awaited, h.ID)
	if m.awaitErr != nil {
		return nil, m.awaitErr
	}
	return &ethtypes.Receipt{TxHash: h.TxHash, Status: ethtypes.ReceiptStatusSuccessful, GasUsed: 210_000, BlockNumber: big.NewInt(int64(h.TargetBlock))}, nil
}

func (m *mockSubmitter) Pending() []types.BundleHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.BundleHandle(nil), m.pending...)
}

func (m *mockSubmitter) submitted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bundles)
}

type fakeSimulator struct {
	result *simulator.SimulationResult
}

func (f *fakeSimulator) Simulate(ctx context.Context, from common.Address, b *types.Bundle, bid *big.Int) (*simulator.SimulationResult, error) {
	return f.result, nil
}

type funcProducer func(ctx context.Context) error

func (f funcProducer) Run(ctx context.Context) error { return f(ctx) }

func idle(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type harness struct {
	bot       *Bot
	cfg       *config.Config
	evaluator *fakeEvaluator
	refresher *fakeRefresher
	gas       *countingUpdater
	loans     *countingUpdater
	head      *mockHead
	submitter *mockSubmitter
	metrics   *metrics.EngineMetrics
	queue     *mempool.TriggerQueue
}

func testOpportunity(t *testing.T, block uint64, pools ...common.Address) *types.ArbitrageOpportunity {
	t.Helper()
	if len(pools) == 0 {
		pools = []common.Address{pool1, pool2}
	}
	path := []common.Address{tokenA}
	routers := make([]common.Address, len(pools))
	amounts := []*big.Int{big.NewInt(1e18)}
	for i := range pools {
		if i%2 == 0 {
			path = append(path, tokenB)
		} else {
			path = append(path, tokenA)
		}
		routers[i] = quick
		amounts = append(amounts, big.NewInt(2e18))
	}
	opp, err := types.NewArbitrageOpportunity(types.OpportunityParams{
		Token0:      tokenA,
		Token1:      path[len(path)-1],
		Amount0:     big.NewInt(1e18),
		Path:        path,
		Pools:       pools,
		Routers:     routers,
		Amounts:     amounts,
		GrossProfit: big.NewInt(1e18),
		Source:      "pending_tx",
		BlockNumber: block,
	})
	require.NoError(t, err)
	return opp
}

func setupHarness(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.DefaultConfig()
	cfg.ReadRetries = 2

	exec, err := flashloan.NewExecutor(executorAddr, flashloan.MethodFastLane)
	require.NoError(t, err)

	h := &harness{
		cfg:       cfg,
		evaluator: &fakeEvaluator{},
		refresher: &fakeRefresher{},
		gas:       &countingUpdater{},
		loans:     &countingUpdater{},
		head:      &mockHead{block: 100},
		submitter: newMockSubmitter(),
		metrics:   metrics.NewEngineMetrics(prometheus.NewRegistry()),
	}
	h.queue = mempool.NewTriggerQueue(16, h.metrics.Mempool, logger)

	deps := Deps{
		Queue:      h.queue,
		Blocks:     funcProducer(idle),
		Head:       h.head,
		Refresher:  h.refresher,
		Gas:        h.gas,
		FlashLoans: h.loans,
		Evaluator:  h.evaluator,
		Builder:    bundle.NewBuilder(exec, bundle.DefaultBidBps, bundle.DefaultMinBid),
		Submitter:  h.submitter,
		Metrics:    h.metrics,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	b, err := New(cfg, deps, logger)
	require.NoError(t, err)
	h.bot = b
	return h
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(config.DefaultConfig(), Deps{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestHandle_PendingTriggerSubmits(t *testing.T) {
	h := setupHarness(t, nil)
	h.evaluator.opp = testOpportunity(t, 100)

	h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))

	require.Equal(t, 1, h.submitter.submitted())
	assert.Equal(t, uint64(101), h.submitter.bundles[0].TargetBlock)
	assert.Equal(t, executorAddr, h.submitter.bundles[0].To)
	assert.Equal(t, big.NewInt(8e17), h.submitter.bids[0])
	assert.Contains(t, h.submitter.observed, uint64(100))
	assert.Empty(t, h.refresher.blocks, "pending triggers do not refresh reserves")
}

func TestHandle_OpenPathPaysMinBid(t *testing.T) {
	h := setupHarness(t, nil)
	h.evaluator.opp = testOpportunity(t, 100, pool1)
	require.False(t, h.evaluator.opp.IsCycle())

	h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))

	require.Equal(t, 1, h.submitter.submitted())
	assert.Equal(t, bundle.DefaultMinBid, h.submitter.bids[0])
}

func TestHandle_BlockTrigger(t *testing.T) {
	h := setupHarness(t, nil)
	h.submitter.pending = []types.BundleHandle{{ID: "old", TargetBlock: 90}}
	h.submitter.statuses["old"] = types.BundleIncluded

	h.bot.handle(context.Background(), mempool.NewBlockTrigger(100))

	assert.Equal(t, []uint64{100}, h.refresher.blocks)
	assert.Equal(t, 1, h.gas.calls)
	assert.Equal(t, 1, h.loans.calls)
	assert.Equal(t, []uint64{100}, h.submitter.observed)
	assert.Equal(t, 1, h.evaluator.calls)
	assert.Equal(t, 0, h.submitter.submitted())
	assert.Equal(t, []string{"old"}, h.submitter.awaited)
}

func TestSweep_ReceiptOfIncludedBundles(t *testing.T) {
	h := setupHarness(t, nil)
	h.submitter.pending = []types.BundleHandle{
		{ID: "won", TargetBlock: 95},
		{ID: "lost", TargetBlock: 92},
		{ID: "open", TargetBlock: 101},
	}
	h.submitter.statuses["won"] = types.BundleIncluded
	h.submitter.statuses["lost"] = types.BundleReplaced
	h.submitter.awaitErr = types.ErrReceiptMissing

	h.bot.sweep(context.Background())

	assert.Equal(t, []string{"won"}, h.submitter.awaited, "only included bundles have a receipt")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Relay.Errors.WithLabelValues("receipt")))
}

func TestHandle_FailuresDoNotStopProcessing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "refresh and gas fail",
			setup: func(h *harness) {
				h.refresher.err = errStage
				h.gas.err = errStage
				h.loans.err = errStage
			},
		},
		{
			name: "evaluator panics",
			setup: func(h *harness) {
				h.evaluator.panics = true
			},
		},
		{
			name: "submission rejected",
			setup: func(h *harness) {
				h.submitter.err = types.ErrSubmissionRejected
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, nil)
			h.evaluator.opp = testOpportunity(t, 100)
			tt.setup(h)

			assert.NotPanics(t, func() {
				h.bot.handle(context.Background(), mempool.NewBlockTrigger(100))
			})

			h.submitter.mu.Lock()
			h.submitter.err = nil
			h.submitter.mu.Unlock()
			h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))
			assert.GreaterOrEqual(t, h.submitter.submitted(), 1, "later triggers are still processed")
		})
	}
}

func TestHandle_Dedup(t *testing.T) {
	tests := []struct {
		policy    string
		submitted int
		dedup     float64
	}{
		{policy: config.DedupNone, submitted: 2, dedup: 0},
		{policy: config.DedupPerBlock, submitted: 1, dedup: 1},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			h := setupHarness(t, func(cfg *config.Config, _ *Deps) {
				cfg.DedupPolicy = tt.policy
			})
			h.evaluator.opp = testOpportunity(t, 100)

			h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))
			h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))

			assert.Equal(t, tt.submitted, h.submitter.submitted())
			assert.Equal(t, tt.dedup, testutil.ToFloat64(h.metrics.Strategy.Deduplicated))
		})
	}

	t.Run("new block resets", func(t *testing.T) {
		h := setupHarness(t, func(cfg *config.Config, _ *Deps) {
			cfg.DedupPolicy = config.DedupPerBlock
		})
		h.evaluator.opp = testOpportunity(t, 100)
		h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 100))

		h.evaluator.opp = testOpportunity(t, 101)
		h.bot.handle(context.Background(), mempool.NewPendingTrigger(nil, 101))
		assert.Equal(t, 2, h.submitter.submitted())
	})
}

func TestDedupKey(t *testing.T) {
	assert.Equal(t, dedupKey([]common.Address{pool1, pool2}, 100), dedupKey([]common.Address{pool2, pool1}, 100))
	assert.NotEqual(t, dedupKey([]common.Address{pool1, pool2}, 100), dedupKey([]common.Address{pool1, pool2}, 101))
	assert.NotEqual(t, dedupKey([]common.Address{pool1}, 100), dedupKey([]common.Address{pool2}, 100))
}

func TestExecute_Simulation(t *testing.T) {
	tests := []struct {
		name      string
		result    *simulator.SimulationResult
		submitted int
	}{
		{"success", &simulator.SimulationResult{Success: true, GasUsed: 300_000}, 1},
		{"revert", &simulator.SimulationResult{Err: errStage}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, func(_ *config.Config, deps *Deps) {
				deps.Simulator = &fakeSimulator{result: tt.result}
			})
			err := h.bot.execute(context.Background(), testOpportunity(t, 100))
			if tt.submitted == 0 {
				assert.ErrorIs(t, err, errStage)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.submitted, h.submitter.submitted())
		})
	}
}

func TestLatestBlockRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		h := setupHarness(t, nil)
		h.head.failures = 2

		block, err := h.bot.latestBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(100), block)
		assert.Equal(t, 3, h.head.calls)
	})

	t.Run("gives up", func(t *testing.T) {
		h := setupHarness(t, nil)
		h.head.failures = 10

		_, err := h.bot.latestBlock(context.Background())
		assert.ErrorIs(t, err, types.ErrNetworkFailure)
		assert.Equal(t, 3, h.head.calls)

		err = h.bot.execute(context.Background(), testOpportunity(t, 100))
		assert.Error(t, err)
		assert.Equal(t, 0, h.submitter.submitted())
	})
}

func TestRun(t *testing.T) {
	h := setupHarness(t, func(_ *config.Config, deps *Deps) {
		deps.Monitor = funcProducer(func(ctx context.Context) error {
			return errors.New("subscription not supported")
		})
		deps.Blocks = funcProducer(func(ctx context.Context) error {
			deps.Queue.Publish(mempool.NewBlockTrigger(100))
			<-ctx.Done()
			return nil
		})
	})
	h.evaluator.opp = testOpportunity(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	require.Eventually(t, func() bool { return h.submitter.submitted() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_BlockSourceFailure(t *testing.T) {
	h := setupHarness(t, func(_ *config.Config, deps *Deps) {
		deps.Blocks = funcProducer(func(ctx context.Context) error { return errStage })
	})

	err := h.bot.Run(context.Background())
	assert.ErrorIs(t, err, errStage)
}
