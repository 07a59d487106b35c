package uniswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Router is a UniswapV2-style router (Quickswap, Sushiswap).
type Router struct {
	address common.Address
}

// NewRouter creates a V2 router binding.
func NewRouter(address common.Address) *Router {
	return &Router{address: address}
}

// Address returns the router contract address
func (r *Router) Address() common.Address {
	return r.address
}

// PackSwapExactTokensForTokens encodes a swapExactTokensForTokens call.
func (r *Router) PackSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("invalid path length %d", len(path))
	}
	data, err := routerV2ABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}
	return data, nil
}

// GetAmountsOut asks the router to quote amountIn along path at the latest block.
func (r *Router) GetAmountsOut(ctx context.Context, caller bind.ContractCaller, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	contract := bind.NewBoundContract(r.address, routerV2ABI, caller, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAmountsOut", amountIn, path); err != nil {
		return nil, fmt.Errorf("failed to get amounts out: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty getAmountsOut result")
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("failed to parse amounts")
	}
	return amounts, nil
}
