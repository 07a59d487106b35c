// Package math holds the fixed-width integer helpers shared by the pricing,
// bidding and flash loan code. Settlement amounts never touch floating point.
package math

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

var (
	bpsDenominator = big.NewInt(BpsDenominator)
	ten            = uint256.NewInt(10)
)

// ToU256 converts a non-negative *big.Int that fits in 256 bits.
func ToU256(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", x.String())
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, fmt.Errorf("value %s overflows 256 bits", x.String())
	}
	return v, nil
}

// MustU256 is ToU256 for constants and tests.
func MustU256(x *big.Int) *uint256.Int {
	v, err := ToU256(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToBig converts back to *big.Int. A nil input yields zero.
func ToBig(x *uint256.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x.ToBig()
}

// Units returns n * 10^decimals, e.g. Units(5, 18) is five whole tokens.
func Units(n uint64, decimals uint8) *uint256.Int {
	scale := new(uint256.Int).Exp(ten, uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(n), scale)
}

// SatSub returns a-b, or zero when b >= a.
func SatSub(a, b *uint256.Int) *uint256.Int {
	if !a.Gt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// MulDivBps returns floor(x * bps / 10000). Negative inputs yield zero.
func MulDivBps(x *big.Int, bps uint64) *big.Int {
	if x == nil || x.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, new(big.Int).SetUint64(bps))
	return out.Quo(out, bpsDenominator)
}

// MaxBig returns the larger of a and b as a fresh value.
func MaxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
