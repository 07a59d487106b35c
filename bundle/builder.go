// Package bundle turns opportunities into executor calldata pinned to a block.
package bundle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/polyarb/flashloan"
	"github.com/michaelpento.lv/polyarb/types"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

const (
	DefaultBidBps uint64 = 8000
)

// DefaultMinBid is 0.001 of the native token.
var DefaultMinBid = big.NewInt(1e15)

// Builder is stateless apart from its configuration and safe for concurrent use.
type Builder struct {
	executor *flashloan.Executor
	bidBps   uint64
	minBid   *big.Int
}

func NewBuilder(executor *flashloan.Executor, bidBps uint64, minBid *big.Int) *Builder {
	if minBid == nil {
		minBid = DefaultMinBid
	}
	return &Builder{
		executor: executor,
		bidBps:   bidBps,
		minBid:   new(big.Int).Set(minBid),
	}
}

// Build encodes opp for inclusion in targetBlock, which must be the block
// right after currentBlock.
func (b *Builder) Build(opp *types.ArbitrageOpportunity, currentBlock, targetBlock uint64) (*types.Bundle, error) {
	if targetBlock != currentBlock+1 {
		return nil, fmt.Errorf("%w: target %d, current %d", types.ErrStaleTarget, targetBlock, currentBlock)
	}
	if opp == nil {
		return nil, fmt.Errorf("nil opportunity")
	}

	payload, err := b.executor.Pack(opp, targetBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	return &types.Bundle{
		Payload:     payload,
		To:          b.executor.Address(),
		TargetBlock: targetBlock,
		Hops:        opp.Hops(),
		Opportunity: opp,
		Hash:        types.HashPayload(payload, targetBlock),
		CreatedAt:   time.Now(),
	}, nil
}

// Bid is the payment offered to the block builder for an expected profit.
func (b *Builder) Bid(profit *big.Int) *big.Int {
	return bmath.MaxBig(bmath.MulDivBps(profit, b.bidBps), b.minBid)
}

// BidFor prices the bid for opp. An open path's profit subtracts the input
// token from the output token, so only the minimum bid is offered for it.
func (b *Builder) BidFor(opp *types.ArbitrageOpportunity) *big.Int {
	if opp == nil || !opp.IsCycle() {
		return new(big.Int).Set(b.minBid)
	}
	return b.Bid(opp.ExpectedProfit())
}

// Executor returns the contract the bundle pays into.
func (b *Builder) Executor() common.Address {
	return b.executor.Address()
}
