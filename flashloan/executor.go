package flashloan

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/polyarb/types"
)

// Executor contract entry points.
const (
	MethodFastLane  = "executeArbitrageWithFastLane"
	MethodFlashLoan = "executeFlashLoanArbitrage"
)

const executorABIJSON = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "token0", "type": "address"},
					{"internalType": "address", "name": "token1", "type": "address"},
					{"internalType": "uint256", "name": "amount0", "type": "uint256"},
					{"internalType": "uint256", "name": "amount1", "type": "uint256"},
					{"internalType": "uint24", "name": "fee", "type": "uint24"},
					{"internalType": "address[]", "name": "path", "type": "address[]"},
					{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"},
					{"internalType": "address[]", "name": "routers", "type": "address[]"}
				],
				"internalType": "struct ArbitrageOpportunity",
				"name": "opportunity",
				"type": "tuple"
			},
			{"internalType": "uint256", "name": "targetBlock", "type": "uint256"}
		],
		"name": "executeArbitrageWithFastLane",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "token0", "type": "address"},
			{"internalType": "address", "name": "token1", "type": "address"},
			{"internalType": "uint256", "name": "amount0", "type": "uint256"},
			{"internalType": "uint256", "name": "amount1", "type": "uint256"},
			{"internalType": "uint24", "name": "fee", "type": "uint24"},
			{"internalType": "address[]", "name": "path", "type": "address[]"},
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"},
			{"internalType": "address[]", "name": "routers", "type": "address[]"}
		],
		"name": "executeFlashLoanArbitrage",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var executorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid executor ABI: %v", err))
	}
	return parsed
}()

// ExecutorABI returns the parsed executor contract ABI.
func ExecutorABI() abi.ABI { return executorABI }

// ExecutorOpportunity mirrors the contract's ArbitrageOpportunity struct.
// Field names must match the ABI component names.
type ExecutorOpportunity struct {
	Token0  common.Address
	Token1  common.Address
	Amount0 *big.Int
	Amount1 *big.Int
	Fee     *big.Int
	Path    []common.Address
	Amounts []*big.Int
	Routers []common.Address
}

// Executor encodes calls into the on-chain arbitrage contract.
type Executor struct {
	address common.Address
	method  string
}

func NewExecutor(address common.Address, method string) (*Executor, error) {
	if method == "" {
		method = MethodFastLane
	}
	if _, ok := executorABI.Methods[method]; !ok {
		return nil, fmt.Errorf("unknown executor method %q", method)
	}
	return &Executor{address: address, method: method}, nil
}

func (e *Executor) Address() common.Address { return e.address }
func (e *Executor) Method() string          { return e.method }

// Pack encodes opp for the configured method. targetBlock is only part of the
// calldata for the FastLane entry point.
func (e *Executor) Pack(opp *types.ArbitrageOpportunity, targetBlock uint64) ([]byte, error) {
	arg := ExecutorOpportunity{
		Token0:  opp.Token0(),
		Token1:  opp.Token1(),
		Amount0: opp.Amount0(),
		Amount1: opp.Amount1(),
		Fee:     new(big.Int).SetUint64(uint64(opp.Fee())),
		Path:    opp.Path(),
		Amounts: opp.Amounts(),
		Routers: opp.Routers(),
	}

	var (
		data []byte
		err  error
	)
	switch e.method {
	case MethodFastLane:
		data, err = executorABI.Pack(e.method, arg, new(big.Int).SetUint64(targetBlock))
	default:
		data, err = executorABI.Pack(e.method,
			arg.Token0, arg.Token1, arg.Amount0, arg.Amount1, arg.Fee,
			arg.Path, arg.Amounts, arg.Routers)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", e.method, err)
	}
	return data, nil
}

// Unpack decodes calldata produced by Pack. The target block is zero for the
// flash loan entry point.
func (e *Executor) Unpack(data []byte) (ExecutorOpportunity, uint64, error) {
	var out ExecutorOpportunity
	if len(data) < 4 {
		return out, 0, fmt.Errorf("calldata too short")
	}
	method, err := executorABI.MethodById(data[:4])
	if err != nil {
		return out, 0, fmt.Errorf("failed to resolve method: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return out, 0, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case MethodFastLane:
		converted, ok := abi.ConvertType(args[0], new(ExecutorOpportunity)).(*ExecutorOpportunity)
		if !ok {
			return out, 0, fmt.Errorf("unexpected tuple type %T", args[0])
		}
		return *converted, args[1].(*big.Int).Uint64(), nil
	default:
		out = ExecutorOpportunity{
			Token0:  args[0].(common.Address),
			Token1:  args[1].(common.Address),
			Amount0: args[2].(*big.Int),
			Amount1: args[3].(*big.Int),
			Fee:     args[4].(*big.Int),
			Path:    args[5].([]common.Address),
			Amounts: args[6].([]*big.Int),
			Routers: args[7].([]common.Address),
		}
		return out, 0, nil
	}
}
