// Package relay submits bundles and tracks them until they are included or
// replaced.
package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/gas"
	"github.com/michaelpento.lv/polyarb/simulator"
	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

const (
	DefaultMaxTargetAhead uint64 = 5
	DefaultMaxDelayBlocks uint64 = 3

	defaultHistorySize = 4096
)

// ChainReader is the node surface the submitter reads. It is a
// bind.DeployBackend so Await can use bind.WaitMined.
type ChainReader interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// FeeSource prices a submission, normally a *gas.Estimator.
type FeeSource interface {
	Params(hops int) (gas.Params, error)
}

type Config struct {
	ChainID        *big.Int
	MaxTargetAhead uint64
	MaxDelayBlocks uint64
	HistorySize    int
}


// Submitter signs executor transactions and hands them to a Transport. It
// never retries a submission.
type Submitter struct {
	cfg       Config
	key       *ecdsa.PrivateKey
	from      common.Address
	signer    ethtypes.Signer
	chain     ChainReader
	fees      FeeSource
	transport Transport
	metrics   *metrics.RelayMetrics
	logger    *zap.Logger

	latest atomic.Uint64

	// open holds submissions until they settle. outcomes keeps the terminal
	// status of every settled submission and is never evicted. Signed
	// transactions are only retained for the last HistorySize submissions.
	mu       sync.Mutex
	seq      uint64
	open     map[string]openBundle
	outcomes map[string]types.BundleStatus
	txs      *lru.Cache
}

type openBundle struct {
	handle types.BundleHandle
	seq    uint64
}

func NewSubmitter(cfg Config, key *ecdsa.PrivateKey, chain ChainReader, fees FeeSource, transport Transport, m *metrics.RelayMetrics, logger *zap.Logger) (*Submitter, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.MaxTargetAhead == 0 {
		cfg.MaxTargetAhead = DefaultMaxTargetAhead
	}
	if cfg.MaxDelayBlocks == 0 {
		cfg.MaxDelayBlocks = DefaultMaxDelayBlocks
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	txs, err := lru.New(cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}

	return &Submitter{
		cfg:       cfg,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		signer:    ethtypes.LatestSignerForChainID(cfg.ChainID),
		chain:     chain,
		fees:      fees,
		transport: transport,
		metrics:   m,
		logger:    logger,
		open:      make(map[string]openBundle),
		outcomes:  make(map[string]types.BundleStatus),
		txs:       txs,
	}, nil
}

// From is the address paying for and signing submissions.
func (s *Submitter) From() common.Address { return s.from }

// ObserveBlock advances the submitter's view of the chain head. Older
// numbers are ignored.
func (s *Submitter) ObserveBlock(number uint64) {
	for {
		cur := s.latest.Load()
		if number <= cur || s.latest.CompareAndSwap(cur, number) {
			return
		}
	}
}

func (s *Submitter) Latest() uint64 { return s.latest.Load() }

// Submit signs and sends bundle paying bid to the block builder.
func (s *Submitter) Submit(ctx context.Context, bundle *types.Bundle, bid *big.Int) (types.BundleHandle, error) {
	latest := s.latest.Load()
	if bundle.TargetBlock <= latest || bundle.TargetBlock > latest+s.cfg.MaxTargetAhead {
		s.countError("target")
		return types.BundleHandle{}, fmt.Errorf("%w: target %d, latest %d",
			types.ErrTargetTooFarOrPast, bundle.TargetBlock, latest)
	}
	if bid == nil {
		bid = new(big.Int)
	}

	tx, err := s.sign(ctx, bundle, bid)
	if err != nil {
		return types.BundleHandle{}, err
	}

	if err := s.transport.Send(ctx, tx, bundle.TargetBlock); err != nil {
		if errors.Is(err, types.ErrSubmissionRejected) {
			s.countError("rejected")
		} else {
			s.countError("network")
		}
		s.logger.Warn("Bundle submission failed",
			zap.String("transport", s.transport.Name()),
			zap.String("bundle", bundle.Key()),
			zap.Uint64("target_block", bundle.TargetBlock),
			zap.Error(err))
		return types.BundleHandle{}, err
	}

	handle := types.BundleHandle{
		ID:          uuid.NewString(),
		TxHash:      tx.Hash(),
		TargetBlock: bundle.TargetBlock,
		Bid:         new(big.Int).Set(bid),
		SubmittedAt: time.Now(),
	}
	s.mu.Lock()
	s.seq++
	s.open[handle.ID] = openBundle{handle: handle, seq: s.seq}
	s.txs.Add(handle.ID, tx)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Submitted.Inc()
		fbid, _ := new(big.Float).SetInt(bid).Float64()
		s.metrics.BidTotal.Add(fbid)
	}
	s.logger.Info("Bundle submitted",
		zap.String("id", handle.ID),
		zap.String("transport", s.transport.Name()),
		zap.String("tx_hash", handle.TxHash.Hex()),
		zap.Uint64("target_block", handle.TargetBlock),
		zap.String("bid", bid.String()))
	return handle, nil
}

// Simulate signs bundle as Submit would and dry-runs it through the
// transport. Only transports implementing Caller can simulate. The
// submitter's own address is always the sender.
func (s *Submitter) Simulate(ctx context.Context, _ common.Address, bundle *types.Bundle, bid *big.Int) (*simulator.SimulationResult, error) {
	caller, ok := s.transport.(Caller)
	if !ok {
		return nil, fmt.Errorf("transport %s cannot simulate", s.transport.Name())
	}
	if bid == nil {
		bid = new(big.Int)
	}

	tx, err := s.sign(ctx, bundle, bid)
	if err != nil {
		return nil, err
	}
	res, err := caller.Call(ctx, tx, bundle.TargetBlock)
	if err != nil {
		s.countSimulation("error")
		return nil, err
	}
	if res.Success {
		s.countSimulation("success")
	} else {
		s.countSimulation("failure")
		s.logger.Debug("Bundle simulation failed",
			zap.String("transport", s.transport.Name()),
			zap.String("bundle", bundle.Key()),
			zap.Uint64("target_block", bundle.TargetBlock),
			zap.Error(res.Err))
	}
	return res, nil
}

func (s *Submitter) sign(ctx context.Context, bundle *types.Bundle, bid *big.Int) (*ethtypes.Transaction, error) {
	params, err := s.fees.Params(bundle.Hops)
	if err != nil {
		s.countError("gas")
		return nil, fmt.Errorf("failed to price submission: %w", err)
	}

	nonce, err := s.chain.PendingNonceAt(ctx, s.from)
	if err != nil {
		s.countError("nonce")
		return nil, fmt.Errorf("%w: failed to get nonce: %w", types.ErrNetworkFailure, err)
	}

	to := bundle.To
	tx, err := ethtypes.SignNewTx(s.key, s.signer, &ethtypes.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: params.TipCap,
		GasFeeCap: params.FeeCap,
		Gas:       params.GasLimit,
		To:        &to,
		Value:     bid,
		Data:      bundle.Payload,
	})
	if err != nil {
		s.countError("sign")
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// Status reports where a submission stands. Terminal states are
// remembered for every submission; a failed read reports Pending.
func (s *Submitter) Status(ctx context.Context, handle types.BundleHandle) types.BundleStatus {
	s.mu.Lock()
	if status, ok := s.outcomes[handle.ID]; ok {
		s.mu.Unlock()
		return status
	}
	entry, ok := s.open[handle.ID]
	s.mu.Unlock()
	if !ok {
		return types.BundleUnknown
	}
	open := entry.handle

	status := types.BundlePending
	receipt, err := s.chain.TransactionReceipt(ctx, open.TxHash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == ethtypes.ReceiptStatusSuccessful {
			status = types.BundleIncluded
		} else {
			status = types.BundleReplaced
		}
	case err == nil || errors.Is(err, ethereum.NotFound):
		if s.latest.Load() > open.TargetBlock+s.cfg.MaxDelayBlocks {
			status = types.BundleReplaced
		}
	default:
		s.logger.Debug("Failed to read receipt",
			zap.String("id", handle.ID),
			zap.Error(err))
		return status
	}

	if !status.Terminal() {
		return status
	}
	s.mu.Lock()
	prev, settled := s.outcomes[handle.ID]
	if settled {
		status = prev
	} else {
		s.outcomes[handle.ID] = status
		delete(s.open, handle.ID)
	}
	s.mu.Unlock()
	if !settled && s.metrics != nil {
		s.metrics.Statuses.WithLabelValues(status.String()).Inc()
	}
	return status
}

// Await blocks until the submission is mined or ctx ends. Once the signed
// transaction has left the history the receipt is read directly.
func (s *Submitter) Await(ctx context.Context, handle types.BundleHandle) (*ethtypes.Receipt, error) {
	s.mu.Lock()
	_, open := s.open[handle.ID]
	_, settled := s.outcomes[handle.ID]
	v, retained := s.txs.Peek(handle.ID)
	s.mu.Unlock()
	if !open && !settled {
		return nil, fmt.Errorf("unknown bundle handle %s", handle.ID)
	}

	var (
		receipt *ethtypes.Receipt
		err     error
	)
	if retained {
		receipt, err = bind.WaitMined(ctx, s.chain, v.(*ethtypes.Transaction))
	} else {
		receipt, err = s.waitReceipt(ctx, handle.TxHash)
	}
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, types.ErrReceiptMissing
	}
	return receipt, nil
}

// waitReceipt polls for the receipt of hash the way bind.WaitMined does.
func (s *Submitter) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := s.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Debug("Failed to read receipt", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending lists the submissions not yet in a terminal state, oldest first.
func (s *Submitter) Pending() []types.BundleHandle {
	s.mu.Lock()
	entries := make([]openBundle, 0, len(s.open))
	for _, e := range s.open {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]types.BundleHandle, len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}

func (s *Submitter) countSimulation(result string) {
	if s.metrics != nil {
		s.metrics.Simulations.WithLabelValues(result).Inc()
	}
}

func (s *Submitter) countError(stage string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(stage).Inc()
	}
}
