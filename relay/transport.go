package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/michaelpento.lv/polyarb/flashbots"
	"github.com/michaelpento.lv/polyarb/simulator"
	"github.com/michaelpento.lv/polyarb/types"
)

// Transport delivers one signed executor transaction for a target block.
// Implementations classify failures as types.ErrSubmissionRejected or
// types.ErrNetworkFailure.
type Transport interface {
	Name() string
	Send(ctx context.Context, tx *ethtypes.Transaction, targetBlock uint64) error
}

// TxSender is the node surface ContractTransport needs.
type TxSender interface {
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// ContractTransport broadcasts the transaction through a node. The executor
// contract pays the bid itself and reverts if the target block has passed.
type ContractTransport struct {
	client TxSender
}

func NewContractTransport(client TxSender) *ContractTransport {
	return &ContractTransport{client: client}
}

func (t *ContractTransport) Name() string { return "contract" }

func (t *ContractTransport) Send(ctx context.Context, tx *ethtypes.Transaction, _ uint64) error {
	if err := t.client.SendTransaction(ctx, tx); err != nil {
		return classifyNodeError(err)
	}
	return nil
}

// Caller is a Transport that can dry-run a signed transaction for its
// target block without sending it.
type Caller interface {
	Call(ctx context.Context, tx *ethtypes.Transaction, targetBlock uint64) (*simulator.SimulationResult, error)
}

// BundleSender is implemented by *flashbots.Client.
type BundleSender interface {
	SendBundle(ctx context.Context, bundle *flashbots.Bundle) (common.Hash, error)
	CallBundle(ctx context.Context, bundle *flashbots.Bundle) (*flashbots.BundleSimulation, error)
}

// BundleRPCTransport sends the transaction as a single-tx bundle to a
// private relay.
type BundleRPCTransport struct {
	client BundleSender
}

func NewBundleRPCTransport(client BundleSender) *BundleRPCTransport {
	return &BundleRPCTransport{client: client}
}

func (t *BundleRPCTransport) Name() string { return "bundle" }

func (t *BundleRPCTransport) Send(ctx context.Context, tx *ethtypes.Transaction, targetBlock uint64) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	_, err = t.client.SendBundle(ctx, &flashbots.Bundle{
		Txs:         [][]byte{raw},
		BlockNumber: targetBlock,
	})
	if err != nil {
		return classifyRelayError(err)
	}
	return nil
}

// Call simulates the single-tx bundle with eth_callBundle on the relay.
func (t *BundleRPCTransport) Call(ctx context.Context, tx *ethtypes.Transaction, targetBlock uint64) (*simulator.SimulationResult, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	sim, err := t.client.CallBundle(ctx, &flashbots.Bundle{
		Txs:         [][]byte{raw},
		BlockNumber: targetBlock,
	})
	if err != nil {
		return nil, classifyRelayError(err)
	}
	res := &simulator.SimulationResult{Success: sim.Success(), GasUsed: sim.GasUsed}
	if !res.Success {
		res.Err = fmt.Errorf("bundle reverted: %s", sim.Error)
	}
	return res, nil
}

// classifyNodeError treats a JSON-RPC error object as a rejection and
// everything else as a delivery failure.
func classifyNodeError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && !isContextErr(err) {
		return fmt.Errorf("%w: %w", types.ErrSubmissionRejected, err)
	}
	return fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
}

func classifyRelayError(err error) error {
	if isContextErr(err) {
		return fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
	}
	var rpcErr *flashbots.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %w", types.ErrSubmissionRejected, err)
	}
	var httpErr *flashbots.HTTPError
	if errors.As(err, &httpErr) && httpErr.Rejected() {
		return fmt.Errorf("%w: %w", types.ErrSubmissionRejected, err)
	}
	return fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
