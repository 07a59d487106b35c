package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/michaelpento.lv/polyarb/gas"
)

var errMockChain = errors.New("mock chain error")

type mockChain struct {
	mu          sync.RWMutex
	nonce       uint64
	receipts    map[common.Hash]*ethtypes.Receipt
	nilReceipt  bool
	shouldError bool
}

func newMockChain() *mockChain {
	return &mockChain{receipts: make(map[common.Hash]*ethtypes.Receipt)}
}

func (m *mockChain) setError(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = v
}

func (m *mockChain) setReceipt(hash common.Hash, status uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = &ethtypes.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(101)}
}

func (m *mockChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shouldError {
		return 0, errMockChain
	}
	return m.nonce, nil
}

func (m *mockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shouldError {
		return nil, errMockChain
	}
	if m.nilReceipt {
		return nil, nil
	}
	r, ok := m.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *mockChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

type fixedFees struct {
	params gas.Params
	err    error
}

func (f fixedFees) Params(hops int) (gas.Params, error) {
	if f.err != nil {
		return gas.Params{}, f.err
	}
	p := f.params
	p.GasLimit = gas.BaseGas + gas.GasPerHop*uint64(hops)
	return p, nil
}

type mockTransport struct {
	mu      sync.RWMutex
	sent    []*ethtypes.Transaction
	targets []uint64
	err     error
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) Send(ctx context.Context, tx *ethtypes.Transaction, targetBlock uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	m.targets = append(m.targets, targetBlock)
	return m.err
}

func (m *mockTransport) sends() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sent)
}

// nodeError mimics the JSON-RPC error objects ethclient returns.
type nodeError struct {
	code int
	msg  string
}

func (e *nodeError) Error() string  { return e.msg }
func (e *nodeError) ErrorCode() int { return e.code }
