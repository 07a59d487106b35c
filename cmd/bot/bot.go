// Package bot runs the engine: producers fill the trigger queue and a single
// consumer evaluates, builds and submits.
package bot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelpento.lv/polyarb/bundle"
	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/mempool"
	"github.com/michaelpento.lv/polyarb/simulator"
	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

const dedupCacheSize = 4096

// Producer is a long running trigger source.
type Producer interface {
	Run(ctx context.Context) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, trig mempool.Trigger) *types.ArbitrageOpportunity
}

type Refresher interface {
	Refresh(ctx context.Context, block uint64) error
}

type FeeUpdater interface {
	Update(ctx context.Context) error
}

type FlashLoans interface {
	RefreshAll(ctx context.Context) error
}

type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type Submitter interface {
	From() common.Address
	ObserveBlock(number uint64)
	Submit(ctx context.Context, bundle *types.Bundle, bid *big.Int) (types.BundleHandle, error)
	Status(ctx context.Context, handle types.BundleHandle) types.BundleStatus
	Await(ctx context.Context, handle types.BundleHandle) (*ethtypes.Receipt, error)
	Pending() []types.BundleHandle
}

type Simulator interface {
	Simulate(ctx context.Context, from common.Address, bundle *types.Bundle, bid *big.Int) (*simulator.SimulationResult, error)
}

// StatusSource adds fields to the periodic status line.
type StatusSource interface {
	LogFields() []zap.Field
}

// Deps are the engine components. Monitor, Simulator, FlashLoans and
// System are optional.
type Deps struct {
	Queue      *mempool.TriggerQueue
	Monitor    Producer
	Blocks     Producer
	Head       HeadReader
	Refresher  Refresher
	Gas        FeeUpdater
	FlashLoans FlashLoans
	Evaluator  Evaluator
	Builder    *bundle.Builder
	Submitter  Submitter
	Simulator  Simulator
	Metrics    *metrics.EngineMetrics
	System     StatusSource
}

// Bot represents the engine instance
type Bot struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	dedup  *lru.Cache
}

// New creates a new engine instance
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Bot, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("trigger queue is required")
	case deps.Blocks == nil || deps.Head == nil:
		return nil, errors.New("block source is required")
	case deps.Refresher == nil || deps.Evaluator == nil:
		return nil, errors.New("refresher and evaluator are required")
	case deps.Builder == nil || deps.Submitter == nil:
		return nil, errors.New("builder and submitter are required")
	}

	b := &Bot{cfg: cfg, deps: deps, logger: logger}
	if cfg.DedupPolicy == config.DedupPerBlock {
		cache, err := lru.New(dedupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedup cache: %w", err)
		}
		b.dedup = cache
	}
	return b, nil
}

// Run blocks until ctx is cancelled. A failing pending transaction stream is
// logged and the engine keeps running on block triggers.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting engine",
		zap.String("submit_mode", b.cfg.SubmitMode),
		zap.String("dedup_policy", b.cfg.DedupPolicy),
		zap.Bool("pending_stream", b.deps.Monitor != nil))

	g, gctx := errgroup.WithContext(ctx)

	if b.deps.Monitor != nil {
		g.Go(func() error {
			if err := b.deps.Monitor.Run(gctx); err != nil {
				b.logger.Error("Pending transaction stream stopped, continuing on blocks only", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		return b.deps.Blocks.Run(gctx)
	})
	g.Go(func() error {
		b.consume(gctx)
		return nil
	})
	if b.cfg.StatusInterval > 0 {
		g.Go(func() error {
			b.reportStatus(gctx)
			return nil
		})
	}

	err := g.Wait()
	b.logger.Info("Engine stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (b *Bot) consume(ctx context.Context) {
	triggers := b.deps.Queue.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case trig := <-triggers:
			b.handle(ctx, trig)
		}
	}
}

// handle processes one trigger. Nothing that happens here stops the loop.
func (b *Bot) handle(ctx context.Context, trig mempool.Trigger) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Trigger handling panicked",
				zap.String("kind", trig.Kind.String()),
				zap.String("tx_hash", trig.Hash().Hex()),
				zap.Any("panic", r))
		}
	}()

	if trig.Kind == mempool.NewBlock {
		b.onBlock(ctx, trig.Block)
	}

	evalCtx, cancel := context.WithTimeout(ctx, b.cfg.EvalTimeout)
	opp := b.deps.Evaluator.Evaluate(evalCtx, trig)
	cancel()
	if opp == nil {
		return
	}

	if b.duplicate(opp) {
		if b.deps.Metrics != nil {
			b.deps.Metrics.Strategy.Deduplicated.Inc()
		}
		b.logger.Debug("Duplicate opportunity suppressed",
			zap.Uint64("block", opp.BlockNumber()),
			zap.String("tx_hash", opp.TriggerHash().Hex()))
		return
	}

	if err := b.execute(ctx, opp); err != nil {
		b.logger.Error("Failed to execute opportunity",
			zap.String("source", opp.Source()),
			zap.String("tx_hash", opp.TriggerHash().Hex()),
			zap.String("profit", opp.ExpectedProfit().String()),
			zap.Error(err))
	}
}

// onBlock brings every per-block view up to date before the block trigger is
// evaluated.
func (b *Bot) onBlock(ctx context.Context, block uint64) {
	// The refresher sizes its own deadline to the pools it reads.
	if err := b.deps.Refresher.Refresh(ctx, block); err != nil {
		b.logger.Warn("Reserve refresh failed", zap.Uint64("block", block), zap.Error(err))
	}

	readCtx, cancel := context.WithTimeout(ctx, b.cfg.ReadTimeout)
	defer cancel()
	if b.deps.Gas != nil {
		if err := b.deps.Gas.Update(readCtx); err != nil {
			b.logger.Warn("Gas update failed", zap.Uint64("block", block), zap.Error(err))
		}
	}
	b.deps.Submitter.ObserveBlock(block)
	b.sweep(readCtx)

	if b.deps.FlashLoans != nil {
		if err := b.deps.FlashLoans.RefreshAll(readCtx); err != nil {
			b.logger.Debug("Flash loan fee refresh failed", zap.Error(err))
		}
	}
}

// sweep logs bundles that reached a terminal state. Included bundles are
// logged with their receipt.
func (b *Bot) sweep(ctx context.Context) {
	for _, h := range b.deps.Submitter.Pending() {
		status := b.deps.Submitter.Status(ctx, h)
		if !status.Terminal() {
			continue
		}
		fields := []zap.Field{
			zap.String("id", h.ID),
			zap.String("tx_hash", h.TxHash.Hex()),
			zap.Uint64("target_block", h.TargetBlock),
			zap.String("status", status.String()),
		}
		if status == types.BundleIncluded {
			receipt, err := b.deps.Submitter.Await(ctx, h)
			if err != nil {
				b.countError("receipt")
				b.logger.Warn("Failed to read receipt of included bundle", append(fields, zap.Error(err))...)
				continue
			}
			fields = append(fields,
				zap.Uint64("gas_used", receipt.GasUsed),
				zap.String("block", receipt.BlockNumber.String()))
		}
		b.logger.Info("Bundle settled", fields...)
	}
}

func (b *Bot) execute(ctx context.Context, opp *types.ArbitrageOpportunity) error {
	latest, err := b.latestBlock(ctx)
	if err != nil {
		return err
	}
	b.deps.Submitter.ObserveBlock(latest)

	bndl, err := b.deps.Builder.Build(opp, latest, latest+1)
	if err != nil {
		b.countError("build")
		return fmt.Errorf("failed to build bundle: %w", err)
	}
	bid := b.deps.Builder.BidFor(opp)

	submitCtx, cancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer cancel()

	if b.deps.Simulator != nil {
		res, err := b.deps.Simulator.Simulate(submitCtx, b.deps.Submitter.From(), bndl, bid)
		if err != nil {
			return fmt.Errorf("failed to simulate bundle: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("simulation failed: %w", res.Err)
		}
	}

	handle, err := b.deps.Submitter.Submit(submitCtx, bndl, bid)
	if err != nil {
		return err
	}

	b.logger.Info("Opportunity submitted",
		zap.String("id", handle.ID),
		zap.String("bundle", bndl.Key()),
		zap.String("tx_hash", handle.TxHash.Hex()),
		zap.Uint64("target_block", handle.TargetBlock),
		zap.Int("hops", bndl.Hops),
		zap.String("profit", opp.ExpectedProfit().String()),
		zap.String("bid", bid.String()))
	return nil
}

// latestBlock reads the chain head, retrying ReadRetries times.
func (b *Bot) latestBlock(ctx context.Context) (uint64, error) {
	attempts := b.cfg.ReadRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(i) * 50 * time.Millisecond):
			}
		}
		readCtx, cancel := context.WithTimeout(ctx, b.cfg.ReadTimeout)
		block, err := b.deps.Head.BlockNumber(readCtx)
		cancel()
		if err == nil {
			return block, nil
		}
		lastErr = err
	}
	b.countError("head")
	return 0, fmt.Errorf("%w: failed to read latest block: %w", types.ErrNetworkFailure, lastErr)
}

// duplicate reports whether an opportunity over the same pools was already
// seen in the same block. Always false unless the per-block policy is on.
func (b *Bot) duplicate(opp *types.ArbitrageOpportunity) bool {
	if b.dedup == nil {
		return false
	}
	seen, _ := b.dedup.ContainsOrAdd(dedupKey(opp.Pools(), opp.BlockNumber()), struct{}{})
	return seen
}

func dedupKey(pools []common.Address, block uint64) uint64 {
	sorted := append([]common.Address(nil), pools...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	d := xxhash.New()
	for _, p := range sorted {
		_, _ = d.Write(p[:])
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

func (b *Bot) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logStatus()
		}
	}
}

func (b *Bot) logStatus() {
	fields := []zap.Field{zap.Int("queue_depth", b.deps.Queue.Len())}
	if b.deps.Metrics != nil {
		s := b.deps.Metrics.Snapshot()
		fields = append(fields,
			zap.Float64("triggers", s.Triggers),
			zap.Float64("dropped", s.Dropped),
			zap.Float64("evaluations", s.Evaluations),
			zap.Float64("opportunities", s.Opportunities),
			zap.Float64("submitted", s.Submitted),
			zap.Float64("included", s.Included),
			zap.Float64("replaced", s.Replaced),
			zap.Float64("refresh_errors", s.RefreshErrors))
	}
	if b.deps.System != nil {
		fields = append(fields, b.deps.System.LogFields()...)
	}
	b.logger.Info("Engine status", fields...)
}

func (b *Bot) countError(stage string) {
	if b.deps.Metrics != nil {
		b.deps.Metrics.Relay.Errors.WithLabelValues(stage).Inc()
	}
}
