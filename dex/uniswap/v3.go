package uniswap

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Fee tiers of UniswapV3 pools, in hundredths of a basis point.
const (
	FeeTierLow    uint32 = 500
	FeeTierMedium uint32 = 3000
	FeeTierHigh   uint32 = 10000
)

// ExactInputSingleParams mirrors ISwapRouter.ExactInputSingleParams.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// PackExactInputSingle encodes an exactInputSingle call for the V3 swap router.
func PackExactInputSingle(p ExactInputSingleParams) ([]byte, error) {
	if p.SqrtPriceLimitX96 == nil {
		p.SqrtPriceLimitX96 = new(big.Int)
	}
	data, err := routerV3ABI.Pack("exactInputSingle", p)
	if err != nil {
		return nil, fmt.Errorf("failed to pack exactInputSingle: %w", err)
	}
	return data, nil
}

// UnpackExactInputSingle decodes exactInputSingle calldata (selector included).
func UnpackExactInputSingle(data []byte) (*ExactInputSingleParams, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("invalid data length")
	}
	method, err := routerV3ABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("failed to decode method: %w", err)
	}
	if method.Name != "exactInputSingle" {
		return nil, fmt.Errorf("unsupported method %s", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("unexpected argument count %d", len(args))
	}

	params, ok := abi.ConvertType(args[0], new(ExactInputSingleParams)).(*ExactInputSingleParams)
	if !ok {
		return nil, fmt.Errorf("failed to convert exactInputSingle params")
	}
	return params, nil
}
