package flashloan

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/polyarb/types"
)

var (
	tokenA  = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB  = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	poolOne = common.HexToAddress("0x0000000000000000000000000000000000000001")
	poolTwo = common.HexToAddress("0x0000000000000000000000000000000000000002")
	quick   = common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
	sushi   = common.HexToAddress("0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506")
)

func testOpportunity(t *testing.T) *types.ArbitrageOpportunity {
	t.Helper()
	opp, err := types.NewArbitrageOpportunity(types.OpportunityParams{
		Token0:      tokenA,
		Token1:      tokenA,
		Amount0:     big.NewInt(1e18),
		Amount1:     big.NewInt(0),
		Path:        []common.Address{tokenA, tokenB, tokenA},
		Pools:       []common.Address{poolTwo, poolOne},
		Routers:     []common.Address{sushi, quick},
		Amounts:     []*big.Int{big.NewInt(1e18), big.NewInt(2e18), big.NewInt(11e17)},
		GrossProfit: big.NewInt(1e17),
	})
	require.NoError(t, err)
	return opp
}

func TestNewExecutor(t *testing.T) {
	e, err := NewExecutor(quick, "")
	require.NoError(t, err)
	assert.Equal(t, MethodFastLane, e.Method())
	assert.Equal(t, quick, e.Address())

	_, err = NewExecutor(quick, "executeEverything")
	assert.Error(t, err)
}

func TestExecutor_PackRoundTrip(t *testing.T) {
	opp := testOpportunity(t)

	for _, method := range []string{MethodFastLane, MethodFlashLoan} {
		t.Run(method, func(t *testing.T) {
			e, err := NewExecutor(quick, method)
			require.NoError(t, err)

			data, err := e.Pack(opp, 101)
			require.NoError(t, err)
			assert.Equal(t, ExecutorABI().Methods[method].ID, data[:4])

			got, target, err := e.Unpack(data)
			require.NoError(t, err)
			if method == MethodFastLane {
				assert.Equal(t, uint64(101), target)
			} else {
				assert.Zero(t, target)
			}

			assert.Equal(t, tokenA, got.Token0)
			assert.Equal(t, tokenA, got.Token1)
			assert.Equal(t, "1000000000000000000", got.Amount0.String())
			assert.Equal(t, int64(0), got.Amount1.Int64())
			assert.Equal(t, int64(3000), got.Fee.Int64())
			assert.Equal(t, []common.Address{tokenA, tokenB, tokenA}, got.Path)
			assert.Equal(t, []common.Address{sushi, quick}, got.Routers)
			require.Len(t, got.Amounts, 3)
			assert.Equal(t, "1100000000000000000", got.Amounts[2].String())
		})
	}
}

func TestExecutor_UnpackShort(t *testing.T) {
	e, err := NewExecutor(quick, MethodFlashLoan)
	require.NoError(t, err)
	_, _, err = e.Unpack([]byte{0x01})
	assert.Error(t, err)
}
