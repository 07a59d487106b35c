package utils

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/dex/uniswap"
)

// SwapParams is the router-independent view of a decoded swap.
type SwapParams struct {
	Method       string
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	To           common.Address
	Deadline     *big.Int
	FeeTier      uint32
}

// TransactionDecoder decodes pending swaps sent to V2 routers and the V3
// swap router.
type TransactionDecoder struct {
	v2Router abi.ABI
	v3Router abi.ABI
	logger   *zap.Logger
}

// NewTransactionDecoder creates a new transaction decoder
func NewTransactionDecoder(logger *zap.Logger) (*TransactionDecoder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &TransactionDecoder{
		v2Router: uniswap.RouterV2(),
		v3Router: uniswap.RouterV3(),
		logger:   logger,
	}, nil
}

// DecodeSwap decodes a swap transaction
func (d *TransactionDecoder) DecodeSwap(data []byte) (*SwapParams, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("invalid data length")
	}

	if method, err := d.v3Router.MethodById(data[:4]); err == nil {
		return d.decodeV3(method.Name, data)
	}

	method, err := d.v2Router.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("failed to decode method: %w", err)
	}

	params := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(params, data[4:]); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}

	path, ok := params["path"].([]common.Address)
	if !ok || len(path) < 2 {
		return nil, fmt.Errorf("invalid path")
	}

	swap := &SwapParams{
		Method:   method.Name,
		TokenIn:  path[0],
		TokenOut: path[len(path)-1],
		Path:     path,
	}
	// Not every router method carries every field.
	if v, ok := params["amountIn"].(*big.Int); ok {
		swap.AmountIn = v
	}
	if v, ok := params["amountOutMin"].(*big.Int); ok {
		swap.AmountOutMin = v
	}
	if v, ok := params["to"].(common.Address); ok {
		swap.To = v
	}
	if v, ok := params["deadline"].(*big.Int); ok {
		swap.Deadline = v
	}
	return swap, nil
}

func (d *TransactionDecoder) decodeV3(name string, data []byte) (*SwapParams, error) {
	p, err := uniswap.UnpackExactInputSingle(data)
	if err != nil {
		return nil, err
	}
	var tier uint32
	if p.Fee != nil && p.Fee.IsUint64() {
		tier = uint32(p.Fee.Uint64())
	}
	return &SwapParams{
		Method:       name,
		TokenIn:      p.TokenIn,
		TokenOut:     p.TokenOut,
		AmountIn:     p.AmountIn,
		AmountOutMin: p.AmountOutMinimum,
		Path:         []common.Address{p.TokenIn, p.TokenOut},
		To:           p.Recipient,
		Deadline:     p.Deadline,
		FeeTier:      tier,
	}, nil
}

// DecodeSwapPath returns only the token path of a swap.
func (d *TransactionDecoder) DecodeSwapPath(data []byte) ([]common.Address, error) {
	swap, err := d.DecodeSwap(data)
	if err != nil {
		d.logger.Debug("Not a decodable swap", zap.Error(err))
		return nil, err
	}
	return swap.Path, nil
}
