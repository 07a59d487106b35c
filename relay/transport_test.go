package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/polyarb/flashbots"
	"github.com/michaelpento.lv/polyarb/types"
)

type recordingSender struct {
	bundles []*flashbots.Bundle
	calls   []*flashbots.Bundle
	sim     flashbots.BundleSimulation
	err     error
}

func (r *recordingSender) SendBundle(ctx context.Context, bundle *flashbots.Bundle) (common.Hash, error) {
	r.bundles = append(r.bundles, bundle)
	return common.Hash{}, r.err
}

func (r *recordingSender) CallBundle(ctx context.Context, bundle *flashbots.Bundle) (*flashbots.BundleSimulation, error) {
	r.calls = append(r.calls, bundle)
	if r.err != nil {
		return nil, r.err
	}
	sim := r.sim
	return &sim, nil
}

type recordingNode struct {
	txs []*ethtypes.Transaction
	err error
}

func (r *recordingNode) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	r.txs = append(r.txs, tx)
	return r.err
}

func signedTx(t *testing.T) *ethtypes.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(big.NewInt(137)), &ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(137),
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &executor,
		Value:     big.NewInt(1),
	})
	require.NoError(t, err)
	return tx
}

func TestBundleRPCTransport(t *testing.T) {
	sender := &recordingSender{}
	transport := NewBundleRPCTransport(sender)
	tx := signedTx(t)

	require.NoError(t, transport.Send(context.Background(), tx, 101))
	require.Len(t, sender.bundles, 1)
	assert.Equal(t, uint64(101), sender.bundles[0].BlockNumber)
	require.Len(t, sender.bundles[0].Txs, 1)

	var decoded ethtypes.Transaction
	require.NoError(t, decoded.UnmarshalBinary(sender.bundles[0].Txs[0]))
	assert.Equal(t, tx.Hash(), decoded.Hash())
}

func TestBundleRPCTransport_Call(t *testing.T) {
	tests := []struct {
		name    string
		sim     flashbots.BundleSimulation
		err     error
		success bool
		wantErr error
	}{
		{name: "success", sim: flashbots.BundleSimulation{GasUsed: 250_000}, success: true},
		{name: "revert", sim: flashbots.BundleSimulation{GasUsed: 90_000, Error: "execution reverted: no profit"}},
		{name: "relay rejects", err: &flashbots.RPCError{Code: -32000, Message: "bundle too old"}, wantErr: types.ErrSubmissionRejected},
		{name: "relay down", err: &flashbots.HTTPError{StatusCode: 502}, wantErr: types.ErrNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{sim: tt.sim, err: tt.err}
			tx := signedTx(t)

			res, err := NewBundleRPCTransport(sender).Call(context.Background(), tx, 101)
			require.Len(t, sender.calls, 1)
			assert.Equal(t, uint64(101), sender.calls[0].BlockNumber)
			assert.Empty(t, sender.bundles, "a simulation never sends")

			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.sim.GasUsed, res.GasUsed)
			if !tt.success {
				assert.ErrorContains(t, res.Err, "no profit")
			}
		})
	}
}

func TestContractTransport(t *testing.T) {
	node := &recordingNode{}
	transport := NewContractTransport(node)
	tx := signedTx(t)

	require.NoError(t, transport.Send(context.Background(), tx, 101))
	require.Len(t, node.txs, 1)
	assert.Equal(t, tx.Hash(), node.txs[0].Hash())

	node.err = &nodeError{code: -32000, msg: "nonce too low"}
	err := transport.Send(context.Background(), tx, 101)
	assert.True(t, errors.Is(err, types.ErrSubmissionRejected))
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name     string
		classify func(error) error
		err      error
		want     error
	}{
		{"relay rpc error", classifyRelayError, &flashbots.RPCError{Code: -32000, Message: "bundle too old"}, types.ErrSubmissionRejected},
		{"relay 4xx", classifyRelayError, &flashbots.HTTPError{StatusCode: 403}, types.ErrSubmissionRejected},
		{"relay 5xx", classifyRelayError, &flashbots.HTTPError{StatusCode: 503}, types.ErrNetworkFailure},
		{"relay transport", classifyRelayError, errors.New("connection reset"), types.ErrNetworkFailure},
		{"relay timeout", classifyRelayError, fmt.Errorf("failed to send request: %w", context.DeadlineExceeded), types.ErrNetworkFailure},
		{"node rpc error", classifyNodeError, &nodeError{code: -32000, msg: "already known"}, types.ErrSubmissionRejected},
		{"node transport", classifyNodeError, errors.New("dial tcp: refused"), types.ErrNetworkFailure},
		{"node cancelled", classifyNodeError, context.Canceled, types.ErrNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.classify(tt.err)
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
			assert.True(t, errors.Is(got, tt.err), "cause must stay reachable")
		})
	}
}
