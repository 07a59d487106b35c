package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	// Base cost for transaction
	BaseGas uint64 = 21000
	// Cost per DEX hop (approximate). This covers the storage reads, the
	// token transfers and the swap itself.
	GasPerHop uint64 = 152000
)

// DefaultMinPriorityFee is 1 gwei.
var DefaultMinPriorityFee = big.NewInt(1e9)

var ErrNotReady = errors.New("gas estimator has no fee data yet")

// Client is the node surface the estimator reads.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Params are the EIP-1559 fee fields and gas limit for one submission.
type Params struct {
	TipCap   *big.Int
	FeeCap   *big.Int
	GasLimit uint64
}

// Estimator provides gas price estimation and tracking. It is refreshed by
// the caller once per block.
type Estimator struct {
	client         Client
	logger         *zap.Logger
	minPriorityFee *big.Int
	overheadGas    uint64

	mu          sync.RWMutex
	baseFee     *big.Int
	priorityFee *big.Int
}

// NewEstimator creates a new gas estimator
func NewEstimator(client Client, minPriorityFee *big.Int, overheadGas uint64, logger *zap.Logger) *Estimator {
	if minPriorityFee == nil {
		minPriorityFee = DefaultMinPriorityFee
	}
	return &Estimator{
		client:         client,
		logger:         logger,
		minPriorityFee: new(big.Int).Set(minPriorityFee),
		overheadGas:    overheadGas,
	}
}

// Update fetches latest gas prices
func (e *Estimator) Update(ctx context.Context) error {
	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	priorityFee, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("failed to get priority fee: %w", err)
	}
	if priorityFee.Cmp(e.minPriorityFee) < 0 {
		priorityFee = e.minPriorityFee
	}

	e.mu.Lock()
	e.baseFee = new(big.Int).Set(baseFee)
	e.priorityFee = new(big.Int).Set(priorityFee)
	e.mu.Unlock()

	e.logger.Debug("Gas prices updated",
		zap.String("base_fee", baseFee.String()),
		zap.String("priority_fee", priorityFee.String()))
	return nil
}

// GasLimit estimates gas for an arbitrage with the given number of hops,
// including the flash loan overhead.
func (e *Estimator) GasLimit(hops int) uint64 {
	if hops < 0 {
		hops = 0
	}
	return BaseGas + GasPerHop*uint64(hops) + e.overheadGas
}

// Params returns the fee fields for an arbitrage with hops swaps.
func (e *Estimator) Params(hops int) (Params, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.baseFee == nil {
		return Params{}, ErrNotReady
	}
	tip := new(big.Int).Set(e.priorityFee)
	feeCap := new(big.Int).Mul(e.baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	return Params{
		TipCap:   tip,
		FeeCap:   feeCap,
		GasLimit: e.GasLimit(hops),
	}, nil
}

// EstimateGasCost estimates the worst case cost for a transaction
func (e *Estimator) EstimateGasCost(hops int) (*big.Int, error) {
	p, err := e.Params(hops)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(p.FeeCap, new(big.Int).SetUint64(p.GasLimit)), nil
}
