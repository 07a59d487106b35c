package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

// PolygonPool is the Aave V3 pool on Polygon PoS.
var PolygonPool = common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD")

// DefaultPremiumBps is used until the first successful refresh.
const DefaultPremiumBps uint64 = 5

const poolABIJSON = `[
	{
		"inputs": [],
		"name": "FLASHLOAN_PREMIUM_TOTAL",
		"outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var poolABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		panic(fmt.Sprintf("aave: invalid ABI: %v", err))
	}
	return parsed
}()

// Provider quotes Aave V3 flash loan premiums.
type Provider struct {
	pool   *bind.BoundContract
	logger *zap.Logger

	mu         sync.RWMutex
	premiumBps uint64
}

// NewProvider creates a provider for the Aave pool at address. fallbackBps
// is quoted until Refresh reads the on-chain value.
func NewProvider(caller bind.ContractCaller, address common.Address, fallbackBps uint64, logger *zap.Logger) *Provider {
	return &Provider{
		pool:       bind.NewBoundContract(address, poolABI, caller, nil, nil),
		logger:     logger,
		premiumBps: fallbackBps,
	}
}

func (p *Provider) Name() string { return "aave" }

// PremiumBps returns the premium currently quoted.
func (p *Provider) PremiumBps() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.premiumBps
}

func (p *Provider) Premium(amount *big.Int) *big.Int {
	return bmath.MulDivBps(amount, p.PremiumBps())
}

func (p *Provider) Refresh(ctx context.Context) error {
	var out []interface{}
	if err := p.pool.Call(&bind.CallOpts{Context: ctx}, &out, "FLASHLOAN_PREMIUM_TOTAL"); err != nil {
		return fmt.Errorf("failed to get flash loan premium: %w", err)
	}
	premium, ok := out[0].(*big.Int)
	if !ok || !premium.IsUint64() || premium.Uint64() > 10000 {
		return fmt.Errorf("invalid flash loan premium %v", out[0])
	}

	p.mu.Lock()
	changed := p.premiumBps != premium.Uint64()
	p.premiumBps = premium.Uint64()
	p.mu.Unlock()

	if changed {
		p.logger.Info("Aave flash loan premium updated",
			zap.Uint64("premium_bps", premium.Uint64()))
	}
	return nil
}
