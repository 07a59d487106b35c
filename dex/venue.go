package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/michaelpento.lv/polyarb/dex/uniswap"
)

// Venue is the closed set of AMMs the engine prices and routes through.
type Venue uint8

const (
	Quickswap Venue = iota + 1
	Sushiswap
	UniswapV3
)

// Polygon mainnet deployments
var (
	QuickswapFactory = common.HexToAddress("0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32")
	QuickswapRouter  = common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff")
	SushiswapFactory = common.HexToAddress("0xc35DADB65012eC5796536bD9864eD8773aBc74C4")
	SushiswapRouter  = common.HexToAddress("0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506")
	UniswapV3Factory = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	UniswapV3Router  = common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")

	WMATIC = common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
	USDC   = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	USDT   = common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
)

// PolygonChainID is the chain id of Polygon PoS mainnet.
const PolygonChainID = 137

// Venues lists every supported venue in a stable order.
var Venues = []Venue{Quickswap, Sushiswap, UniswapV3}

func (v Venue) String() string {
	switch v {
	case Quickswap:
		return "quickswap"
	case Sushiswap:
		return "sushiswap"
	case UniswapV3:
		return "uniswapv3"
	default:
		return fmt.Sprintf("venue(%d)", uint8(v))
	}
}

// ParseVenue is the inverse of String and is case-insensitive.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quickswap":
		return Quickswap, nil
	case "sushiswap", "sushi":
		return Sushiswap, nil
	case "uniswapv3", "uniswap_v3", "univ3":
		return UniswapV3, nil
	default:
		return 0, fmt.Errorf("unknown venue %q", s)
	}
}

// IsV3 reports whether the venue uses concentrated liquidity pools.
func (v Venue) IsV3() bool {
	return v == UniswapV3
}

func (v Venue) Router() common.Address {
	switch v {
	case Quickswap:
		return QuickswapRouter
	case Sushiswap:
		return SushiswapRouter
	case UniswapV3:
		return UniswapV3Router
	default:
		return common.Address{}
	}
}

func (v Venue) Factory() common.Address {
	switch v {
	case Quickswap:
		return QuickswapFactory
	case Sushiswap:
		return SushiswapFactory
	case UniswapV3:
		return UniswapV3Factory
	default:
		return common.Address{}
	}
}

// DefaultFeeBps is the swap fee of a pool on this venue when the pool does
// not report one. V2 forks charge 0.3%; V3 defaults to the medium tier.
func (v Venue) DefaultFeeBps() uint32 {
	if v == UniswapV3 {
		return uniswap.FeeTierMedium / 100
	}
	return 30
}

// Quote prices a single hop on this venue. V3 pools are approximated by the
// constant-product curve over their virtual reserves.
func (v Venue) Quote(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint32) (*uint256.Int, error) {
	return Quote(amountIn, reserveIn, reserveOut, feeBps)
}

// SwapRequest describes a single-hop swap to encode for a venue router.
type SwapRequest struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Recipient    common.Address
	Deadline     *big.Int
	FeeTier      uint32
}

// BuildSwapCalldata encodes req for this venue's router.
func (v Venue) BuildSwapCalldata(req SwapRequest) ([]byte, error) {
	switch v {
	case Quickswap, Sushiswap:
		return uniswap.NewRouter(v.Router()).PackSwapExactTokensForTokens(
			req.AmountIn,
			req.AmountOutMin,
			[]common.Address{req.TokenIn, req.TokenOut},
			req.Recipient,
			req.Deadline,
		)
	case UniswapV3:
		tier := req.FeeTier
		if tier == 0 {
			tier = uniswap.FeeTierMedium
		}
		return uniswap.PackExactInputSingle(uniswap.ExactInputSingleParams{
			TokenIn:          req.TokenIn,
			TokenOut:         req.TokenOut,
			Fee:              new(big.Int).SetUint64(uint64(tier)),
			Recipient:        req.Recipient,
			Deadline:         req.Deadline,
			AmountIn:         req.AmountIn,
			AmountOutMinimum: req.AmountOutMin,
		})
	default:
		return nil, fmt.Errorf("unsupported venue %s", v)
	}
}

// VenueForRouter maps a router address back to its venue.
func VenueForRouter(addr common.Address) (Venue, bool) {
	for _, v := range Venues {
		if v.Router() == addr {
			return v, true
		}
	}
	return 0, false
}
