package mempool

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mockSubscription implements ethereum.Subscription for testing
type mockSubscription struct {
	errCh chan error
	once  sync.Once
}

func newMockSubscription() *mockSubscription {
	return &mockSubscription{errCh: make(chan error, 1)}
}

func (s *mockSubscription) Err() <-chan error { return s.errCh }

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

// mockEthClient implements EthClient for testing
type mockEthClient struct {
	mu sync.RWMutex

	blockNumber uint64
	txs         map[common.Hash]*types.Transaction
	hashes      chan<- common.Hash
	sub         *mockSubscription
	lookups     int

	// Error simulation
	shouldError    bool
	errorMsg       string
	subscribeError error
}

func newMockEthClient() *mockEthClient {
	return &mockEthClient{
		txs: make(map[common.Hash]*types.Transaction),
		sub: newMockSubscription(),
	}
}

func (m *mockEthClient) setError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
	m.errorMsg = msg
}

func (m *mockEthClient) clearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = false
	m.errorMsg = ""
}

func (m *mockEthClient) setBlockNumber(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockNumber = n
}

func (m *mockEthClient) addTransaction(tx *types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.Hash()] = tx
}

func (m *mockEthClient) lookupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups
}

func (m *mockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.shouldError {
		return 0, errors.New(m.errorMsg)
	}
	return m.blockNumber, nil
}

func (m *mockEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups++
	if m.shouldError {
		return nil, false, errors.New(m.errorMsg)
	}
	tx, ok := m.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, true, nil
}

func (m *mockEthClient) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeError != nil {
		return nil, m.subscribeError
	}
	m.hashes = ch
	return m.sub, nil
}

// emit pushes a hash into the subscription channel once Run has subscribed.
func (m *mockEthClient) emit(hash common.Hash) bool {
	m.mu.RLock()
	ch := m.hashes
	m.mu.RUnlock()
	if ch == nil {
		return false
	}
	ch <- hash
	return true
}

func newTestTx(nonce uint64, to *common.Address, data []byte) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(137),
		Nonce:     nonce,
		GasTipCap: big.NewInt(30e9),
		GasFeeCap: big.NewInt(100e9),
		Gas:       300000,
		To:        to,
		Value:     big.NewInt(0),
		Data:      data,
	})
}
