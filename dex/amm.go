package dex

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/michaelpento.lv/polyarb/types"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

var bps = uint256.NewInt(bmath.BpsDenominator)

// Hop is one leg of a path: the reserves of the pool oriented in the
// direction of travel, and the pool fee.
type Hop struct {
	ReserveIn  *uint256.Int
	ReserveOut *uint256.Int
	FeeBps     uint32
}

// Quote returns the constant-product output for amountIn with the fee taken
// from the input side:
//
//	in'  = amountIn * (10000 - fee)
//	out  = in' * reserveOut / (reserveIn * 10000 + in')
//
// The division floors, so the result is always strictly below reserveOut.
func Quote(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint32) (*uint256.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, types.ErrInsufficientLiquidity
	}
	if feeBps >= bmath.BpsDenominator {
		return nil, fmt.Errorf("fee %d bps out of range", feeBps)
	}
	if amountIn == nil || amountIn.IsZero() {
		return new(uint256.Int), nil
	}

	inWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(uint64(bmath.BpsDenominator-feeBps)))
	if overflow {
		return nil, fmt.Errorf("amount in %s overflows fee adjustment", amountIn.Dec())
	}
	denominator, overflow := new(uint256.Int).MulOverflow(reserveIn, bps)
	if overflow {
		return nil, fmt.Errorf("reserve %s overflows denominator", reserveIn.Dec())
	}
	if _, overflow = denominator.AddOverflow(denominator, inWithFee); overflow {
		return nil, fmt.Errorf("denominator overflow")
	}

	// MulDivOverflow keeps the 512-bit product, so only the final quotient can overflow.
	out, overflow := new(uint256.Int).MulDivOverflow(inWithFee, reserveOut, denominator)
	if overflow {
		return nil, fmt.Errorf("quote overflow")
	}
	return out, nil
}

// PathProfit chains Quote across hops. It returns the final output minus
// amountIn, floored at zero, together with the amount entering each hop
// followed by the final output (len(hops)+1 values).
func PathProfit(hops []Hop, amountIn *uint256.Int) (*uint256.Int, []*uint256.Int, error) {
	if len(hops) == 0 {
		return nil, nil, fmt.Errorf("empty path")
	}

	amounts := make([]*uint256.Int, 0, len(hops)+1)
	current := amountIn.Clone()
	amounts = append(amounts, current)

	for i, hop := range hops {
		out, err := Quote(current, hop.ReserveIn, hop.ReserveOut, hop.FeeBps)
		if err != nil {
			return nil, nil, fmt.Errorf("hop %d: %w", i, err)
		}
		amounts = append(amounts, out)
		current = out
	}

	return bmath.SatSub(current, amountIn), amounts, nil
}

// SpotPrice is reserveOut/reserveIn as a float. It is only used to rank and
// filter pools, never for amounts.
func SpotPrice(reserveIn, reserveOut *uint256.Int) *big.Float {
	if reserveIn == nil || reserveIn.IsZero() || reserveOut == nil {
		return new(big.Float)
	}
	rIn := new(big.Float).SetInt(reserveIn.ToBig())
	rOut := new(big.Float).SetInt(reserveOut.ToBig())
	return new(big.Float).Quo(rOut, rIn)
}

// PriceDivergence returns |pa - pb| / min(pa, pb) for two spot prices of the
// same token pair quoted in the same direction. Zero prices yield 0.
func PriceDivergence(a, b *big.Float) float64 {
	if a.Sign() <= 0 || b.Sign() <= 0 {
		return 0
	}
	higher, lower := a, b
	if a.Cmp(b) < 0 {
		higher, lower = b, a
	}

	diff := new(big.Float).Sub(higher, lower)
	ratio, _ := new(big.Float).Quo(diff, lower).Float64()
	return ratio
}
