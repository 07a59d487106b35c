package arbitrage

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/types"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

// DefaultMaxHops bounds the length of searched paths.
const DefaultMaxHops = 3

// DefaultGrid returns the trade sizes tried on every path: 1, 5 and 10 whole
// tokens at 18 decimals.
func DefaultGrid() []*uint256.Int {
	return []*uint256.Int{
		bmath.Units(1, 18),
		bmath.Units(5, 18),
		bmath.Units(10, 18),
	}
}

// Route is the best sized path found between two tokens. The zero Route
// means nothing profitable was found.
type Route struct {
	Path     []common.Address
	Pools    []common.Address
	AmountIn *uint256.Int
	Amounts  []*uint256.Int
	Profit   *uint256.Int
}

func (r Route) Hops() int { return len(r.Pools) }

// Empty reports whether the route carries no trade.
func (r Route) Empty() bool {
	return len(r.Pools) == 0 || r.Profit == nil || r.Profit.IsZero()
}

// RouteFinder enumerates simple paths over a snapshot's token graph and
// sizes each against a fixed grid of input amounts.
type RouteFinder struct {
	maxHops int
	grid    []*uint256.Int
}

func NewRouteFinder(maxHops int, grid []*uint256.Int) *RouteFinder {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if len(grid) == 0 {
		grid = DefaultGrid()
	}
	return &RouteFinder{maxHops: maxHops, grid: grid}
}

// FindBestRoute searches every path of 1..maxHops pools from tokenIn to
// tokenOut that uses each pool at most once. When tokenIn == tokenOut the
// paths are cycles. Paths containing a dry pool are skipped.
func (f *RouteFinder) FindBestRoute(tokenIn, tokenOut common.Address, snap *pools.Snapshot) (Route, error) {
	if _, ok := snap.Graph[tokenIn]; !ok {
		return Route{}, fmt.Errorf("%w: %s", types.ErrNoLiquidityPath, tokenIn.Hex())
	}

	var (
		best     Route
		path     = []common.Address{tokenIn}
		poolPath = make([]common.Address, 0, f.maxHops)
	)

	var walk func(token common.Address)
	walk = func(token common.Address) {
		for _, addr := range snap.Graph[token] {
			if containsAddress(poolPath, addr) {
				continue
			}
			pair, ok := snap.Pairs[addr]
			if !ok {
				continue
			}
			next, ok := pair.Other(token)
			if !ok {
				continue
			}

			path = append(path, next)
			poolPath = append(poolPath, addr)

			if next == tokenOut {
				if candidate, ok := f.size(path, poolPath, snap); ok && betterCandidate(candidate, best) {
					best = candidate
				}
			}
			if len(poolPath) < f.maxHops {
				walk(next)
			}

			path = path[:len(path)-1]
			poolPath = poolPath[:len(poolPath)-1]
		}
	}
	walk(tokenIn)

	return best, nil
}

// size evaluates one path at every grid amount and keeps the most
// profitable. ok is false when the path cannot be priced or never profits.
func (f *RouteFinder) size(path, poolPath []common.Address, snap *pools.Snapshot) (Route, bool) {
	hops := make([]dex.Hop, len(poolPath))
	for i, addr := range poolPath {
		hops[i] = snap.Pairs[addr].Hop(path[i])
	}

	var (
		bestProfit  *uint256.Int
		bestAmounts []*uint256.Int
		bestIn      *uint256.Int
	)
	for _, amountIn := range f.grid {
		profit, amounts, err := dex.PathProfit(hops, amountIn)
		if err != nil {
			return Route{}, false
		}
		if bestProfit == nil || profit.Gt(bestProfit) {
			bestProfit, bestAmounts, bestIn = profit, amounts, amountIn
		}
	}
	if bestProfit == nil || bestProfit.IsZero() {
		return Route{}, false
	}

	return Route{
		Path:     append([]common.Address(nil), path...),
		Pools:    append([]common.Address(nil), poolPath...),
		AmountIn: bestIn.Clone(),
		Amounts:  bestAmounts,
		Profit:   bestProfit,
	}, true
}

// betterCandidate orders routes by profit, then fewer hops, then the
// lexicographically smaller pool sequence.
func betterCandidate(a, b Route) bool {
	if a.Empty() {
		return false
	}
	if b.Empty() {
		return true
	}
	if c := a.Profit.Cmp(b.Profit); c != 0 {
		return c > 0
	}
	if a.Hops() != b.Hops() {
		return a.Hops() < b.Hops()
	}
	return comparePools(a.Pools, b.Pools) < 0
}

func comparePools(a, b []common.Address) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := bytes.Compare(a[i][:], b[i][:]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
