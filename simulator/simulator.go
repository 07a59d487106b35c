// Package simulator dry-runs a bundle against the latest state before it is
// submitted.
package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

// SimulationResult represents the result of a bundle simulation
type SimulationResult struct {
	Success bool
	GasUsed uint64
	Err     error
}

// Client is the node surface the simulator calls.
type Client interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Simulator handles bundle simulation
type Simulator struct {
	client  Client
	metrics *metrics.RelayMetrics
	logger  *zap.Logger
}

// NewSimulator creates a new bundle simulator. m may be nil.
func NewSimulator(client Client, m *metrics.RelayMetrics, logger *zap.Logger) *Simulator {
	return &Simulator{
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// Simulate estimates gas for the executor call and then executes it with
// eth_call. A revert is reported in the result; the returned error is only
// set when the context ends.
func (s *Simulator) Simulate(ctx context.Context, from common.Address, bundle *types.Bundle, bid *big.Int) (*SimulationResult, error) {
	if bid == nil {
		bid = new(big.Int)
	}
	to := bundle.To
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: bid,
		Data:  bundle.Payload,
	}

	gasUsed, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		return s.finish(ctx, bundle, &SimulationResult{Err: fmt.Errorf("failed to estimate gas: %w", err)})
	}

	msg.Gas = gasUsed
	if _, err := s.client.CallContract(ctx, msg, nil); err != nil {
		return s.finish(ctx, bundle, &SimulationResult{GasUsed: gasUsed, Err: fmt.Errorf("call reverted: %w", err)})
	}

	return s.finish(ctx, bundle, &SimulationResult{Success: true, GasUsed: gasUsed})
}

func (s *Simulator) finish(ctx context.Context, bundle *types.Bundle, res *SimulationResult) (*SimulationResult, error) {
	if !res.Success && ctx.Err() != nil {
		s.record("cancelled")
		return nil, ctx.Err()
	}
	if res.Success {
		s.record("success")
	} else {
		s.record("failure")
		s.logger.Debug("Bundle simulation failed",
			zap.String("bundle", bundle.Key()),
			zap.Uint64("target_block", bundle.TargetBlock),
			zap.Error(res.Err))
	}
	return res, nil
}

func (s *Simulator) record(result string) {
	if s.metrics != nil {
		s.metrics.Simulations.WithLabelValues(result).Inc()
	}
}
