package uniswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Reader performs the read-only pool, factory and token calls the reserve
// index needs. It is safe for concurrent use.
type Reader struct {
	caller bind.ContractCaller
}

// NewReader creates a Reader over any contract caller (ethclient, simulated backend, mock).
func NewReader(caller bind.ContractCaller) *Reader {
	return &Reader{caller: caller}
}

func (r *Reader) call(ctx context.Context, parsed abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	contract := bind.NewBoundContract(addr, parsed, r.caller, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result from %s", method, addr.Hex())
	}
	return out, nil
}

// Reserves returns the current reserves of a V2 pair.
func (r *Reader) Reserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, err error) {
	out, err := r.call(ctx, pairABI, pair, "getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get reserves: %w", err)
	}
	if len(out) < 2 {
		return nil, nil, fmt.Errorf("failed to parse reserves")
	}

	reserve0, ok := out[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("failed to parse reserve0")
	}
	reserve1, ok = out[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("failed to parse reserve1")
	}
	return reserve0, reserve1, nil
}

// Tokens returns token0 and token1 of a pool. The V2 pair and V3 pool
// interfaces agree on both methods.
func (r *Reader) Tokens(ctx context.Context, pool common.Address) (token0, token1 common.Address, err error) {
	token0, err = r.address(ctx, pairABI, pool, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token1, err = r.address(ctx, pairABI, pool, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return token0, token1, nil
}

// Fee returns the fee tier of a V3 pool in hundredths of a basis point.
func (r *Reader) Fee(ctx context.Context, pool common.Address) (uint32, error) {
	out, err := r.call(ctx, poolV3ABI, pool, "fee")
	if err != nil {
		return 0, fmt.Errorf("failed to get fee: %w", err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok || !fee.IsUint64() {
		return 0, fmt.Errorf("failed to parse fee")
	}
	return uint32(fee.Uint64()), nil
}

// BalanceOf returns an ERC20 balance.
func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := r.call(ctx, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to parse balance")
	}
	return bal, nil
}

// AllPairsLength returns the number of pairs a V2 factory has created.
func (r *Reader) AllPairsLength(ctx context.Context, factory common.Address) (uint64, error) {
	out, err := r.call(ctx, factoryABI, factory, "allPairsLength")
	if err != nil {
		return 0, fmt.Errorf("failed to get pair count: %w", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("failed to parse pair count")
	}
	return n.Uint64(), nil
}

// PairAt returns the i-th pair of a V2 factory.
func (r *Reader) PairAt(ctx context.Context, factory common.Address, i uint64) (common.Address, error) {
	return r.address(ctx, factoryABI, factory, "allPairs", new(big.Int).SetUint64(i))
}

func (r *Reader) address(ctx context.Context, parsed abi.ABI, addr common.Address, method string, args ...interface{}) (common.Address, error) {
	out, err := r.call(ctx, parsed, addr, method, args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get %s: %w", method, err)
	}
	a, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to parse %s address", method)
	}
	return a, nil
}
