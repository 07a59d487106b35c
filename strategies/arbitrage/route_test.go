package arbitrage

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/types"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

var (
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	tokenC = common.HexToAddress("0x000000000000000000000000000000000000cccc")
	pool1  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	pool2  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	pool3  = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

// tradingPair builds a pair with reserves given in whole 18-decimal tokens.
func tradingPair(addr, t0, t1 common.Address, r0, r1 uint64, venue dex.Venue) pools.TradingPair {
	return pools.TradingPair{
		Pool:     addr,
		Token0:   t0,
		Token1:   t1,
		Venue:    venue,
		Reserve0: bmath.Units(r0, 18),
		Reserve1: bmath.Units(r1, 18),
		FeeBps:   30,
	}
}

func snapshotOf(block uint64, pairs ...pools.TradingPair) *pools.Snapshot {
	idx := pools.NewIndex()
	m := make(map[common.Address]pools.TradingPair, len(pairs))
	for _, p := range pairs {
		m[p.Pool] = p
	}
	return idx.Publish(block, m)
}

func TestFindBestRoute_PicksMispricedPool(t *testing.T) {
	snap := snapshotOf(100,
		tradingPair(pool1, tokenA, tokenB, 1000, 1000, dex.Quickswap),
		tradingPair(pool2, tokenA, tokenB, 1000, 1100, dex.Sushiswap),
	)

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenB, snap)
	require.NoError(t, err)
	require.False(t, route.Empty())

	assert.Equal(t, []common.Address{pool2}, route.Pools)
	assert.Equal(t, []common.Address{tokenA, tokenB}, route.Path)
	assert.Equal(t, bmath.Units(10, 18).Dec(), route.AmountIn.Dec())
	assert.Equal(t, "858738378367674287", route.Profit.Dec())
	require.Len(t, route.Amounts, 2)
}

func TestFindBestRoute_Cycle(t *testing.T) {
	snap := snapshotOf(1,
		tradingPair(pool1, tokenA, tokenB, 1000, 1000, dex.Quickswap),
		tradingPair(pool2, tokenA, tokenB, 1000, 1100, dex.Sushiswap),
	)

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenA, snap)
	require.NoError(t, err)

	assert.Equal(t, []common.Address{pool2, pool1}, route.Pools)
	assert.Equal(t, []common.Address{tokenA, tokenB, tokenA}, route.Path)
	assert.Equal(t, "710211674838225916", route.Profit.Dec())
	assert.Equal(t, "10710211674838225916", route.Amounts[2].Dec())
}

func TestFindBestRoute_NeverReusesPool(t *testing.T) {
	// A cycle through a single pool would need to use it twice.
	snap := snapshotOf(1, tradingPair(pool1, tokenA, tokenB, 1000, 1100, dex.Quickswap))

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenA, snap)
	require.NoError(t, err)
	assert.True(t, route.Empty())
}

func TestFindBestRoute_UniquePoolsInTriangle(t *testing.T) {
	snap := snapshotOf(1,
		tradingPair(pool1, tokenA, tokenB, 1000, 1200, dex.Quickswap),
		tradingPair(pool2, tokenB, tokenC, 1000, 1200, dex.Quickswap),
		tradingPair(pool3, tokenC, tokenA, 1000, 1200, dex.Quickswap),
	)

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenA, snap)
	require.NoError(t, err)
	require.Equal(t, 3, route.Hops())

	seen := map[common.Address]bool{}
	for _, p := range route.Pools {
		assert.False(t, seen[p], "pool %s used twice", p.Hex())
		seen[p] = true
	}
	assert.Equal(t, []common.Address{pool1, pool2, pool3}, route.Pools)
}

func TestFindBestRoute_TieBreakSmallestPools(t *testing.T) {
	snap := snapshotOf(1,
		tradingPair(pool2, tokenA, tokenB, 1000, 1100, dex.Quickswap),
		tradingPair(pool1, tokenA, tokenB, 1000, 1100, dex.Sushiswap),
	)

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenB, snap)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{pool1}, route.Pools)
}

func TestFindBestRoute_EqualProfitPrefersFewerHops(t *testing.T) {
	// Fee-free pools with small reserves make both paths turn 10 into 20
	// exactly: pool3 directly, or pool1 (10 -> 10 C) then pool2 (10 C -> 20).
	pair := func(addr, t0, t1 common.Address, r0, r1 uint64) pools.TradingPair {
		return pools.TradingPair{
			Pool:     addr,
			Token0:   t0,
			Token1:   t1,
			Venue:    dex.Quickswap,
			Reserve0: uint256.NewInt(r0),
			Reserve1: uint256.NewInt(r1),
		}
	}
	snap := snapshotOf(1,
		pair(pool3, tokenA, tokenB, 10, 40),
		pair(pool1, tokenA, tokenC, 10, 20),
		pair(pool2, tokenC, tokenB, 10, 40),
	)
	finder := NewRouteFinder(DefaultMaxHops, []*uint256.Int{uint256.NewInt(10)})

	direct, err := finder.FindBestRoute(tokenA, tokenB, snapshotOf(1, pair(pool3, tokenA, tokenB, 10, 40)))
	require.NoError(t, err)
	twoHop, err := finder.FindBestRoute(tokenA, tokenB, snapshotOf(1,
		pair(pool1, tokenA, tokenC, 10, 20),
		pair(pool2, tokenC, tokenB, 10, 40),
	))
	require.NoError(t, err)
	require.Equal(t, "10", direct.Profit.Dec())
	require.Equal(t, direct.Profit.Dec(), twoHop.Profit.Dec())

	route, err := finder.FindBestRoute(tokenA, tokenB, snap)
	require.NoError(t, err)

	// The two-hop pools sort first by address, so only the hop count decides.
	assert.Equal(t, []common.Address{pool3}, route.Pools)
	assert.Equal(t, []common.Address{tokenA, tokenB}, route.Path)
	assert.Equal(t, "10", route.Profit.Dec())
	assert.Equal(t, []string{"10", "20"}, []string{route.Amounts[0].Dec(), route.Amounts[1].Dec()})
}

func TestFindBestRoute_NoLiquidityPath(t *testing.T) {
	snap := snapshotOf(1, tradingPair(pool1, tokenA, tokenB, 1000, 1000, dex.Quickswap))

	_, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenC, tokenA, snap)
	assert.True(t, errors.Is(err, types.ErrNoLiquidityPath))
}

func TestFindBestRoute_NothingProfitable(t *testing.T) {
	snap := snapshotOf(1,
		tradingPair(pool1, tokenA, tokenB, 1000, 1000, dex.Quickswap),
		tradingPair(pool2, tokenA, tokenB, 1000, 1000, dex.Sushiswap),
	)

	route, err := NewRouteFinder(DefaultMaxHops, nil).FindBestRoute(tokenA, tokenA, snap)
	require.NoError(t, err)
	assert.True(t, route.Empty())
	assert.Equal(t, 0, route.Hops())
}

func TestFindBestRoute_MaxHops(t *testing.T) {
	snap := snapshotOf(1,
		tradingPair(pool1, tokenA, tokenB, 1000, 1200, dex.Quickswap),
		tradingPair(pool2, tokenB, tokenC, 1000, 1200, dex.Quickswap),
		tradingPair(pool3, tokenC, tokenA, 1000, 1200, dex.Quickswap),
	)

	route, err := NewRouteFinder(2, nil).FindBestRoute(tokenA, tokenA, snap)
	require.NoError(t, err)
	assert.True(t, route.Empty())
}

func TestBetterCandidate(t *testing.T) {
	one := uint256.NewInt(1)
	two := uint256.NewInt(2)

	short := Route{Pools: []common.Address{pool2}, Profit: one}
	long := Route{Pools: []common.Address{pool1, pool3}, Profit: one}
	rich := Route{Pools: []common.Address{pool1, pool2, pool3}, Profit: two}
	lowAddr := Route{Pools: []common.Address{pool1}, Profit: one}

	assert.True(t, betterCandidate(rich, short), "higher profit wins")
	assert.True(t, betterCandidate(short, long), "fewer hops wins on equal profit")
	assert.False(t, betterCandidate(long, short))
	assert.True(t, betterCandidate(lowAddr, short), "smaller pool address wins on full tie")
	assert.False(t, betterCandidate(short, lowAddr))
	assert.True(t, betterCandidate(short, Route{}))
	assert.False(t, betterCandidate(Route{}, short))
}
