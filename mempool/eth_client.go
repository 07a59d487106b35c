package mempool

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the node surface the producers need.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
}

// EthClientWrapper wraps ethclient.Client to implement EthClient interface
type EthClientWrapper struct {
	*ethclient.Client
}

// NewEthClientWrapper creates a new EthClientWrapper
func NewEthClientWrapper(client *ethclient.Client) *EthClientWrapper {
	return &EthClientWrapper{Client: client}
}

// SubscribePendingTransactions subscribes to newPendingTransactions hashes.
// It needs a websocket or IPC connection.
func (w *EthClientWrapper) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return w.Client.Client().EthSubscribe(ctx, ch, "newPendingTransactions")
}
