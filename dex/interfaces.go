package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolReader reads on-chain pool state. uniswap.Reader is the production
// implementation.
type PoolReader interface {
	// Reserves returns the reserves of a V2 pair
	Reserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, err error)

	// Tokens returns token0 and token1 of a pool
	Tokens(ctx context.Context, pool common.Address) (token0, token1 common.Address, err error)

	// Fee returns the fee tier of a V3 pool
	Fee(ctx context.Context, pool common.Address) (uint32, error)

	// BalanceOf returns the ERC20 balance of owner
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// AllPairsLength returns the number of pairs created by a V2 factory
	AllPairsLength(ctx context.Context, factory common.Address) (uint64, error)

	// PairAt returns the i-th pair created by a V2 factory
	PairAt(ctx context.Context, factory common.Address, i uint64) (common.Address, error)
}
