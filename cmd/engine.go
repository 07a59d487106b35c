package cmd

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/cmd/bot"
	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/flashbots"
	"github.com/michaelpento.lv/polyarb/flashloan"
	"github.com/michaelpento.lv/polyarb/flashloan/aave"
	"github.com/michaelpento.lv/polyarb/flashloan/balancer"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/relay"
	"github.com/michaelpento.lv/polyarb/simulator"
	"github.com/michaelpento.lv/polyarb/strategies/arbitrage"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

// newRefresher builds the pool index and its refresher from cfg.
func newRefresher(cfg *config.Config, reader dex.PoolReader, m *metrics.IndexMetrics, logger *zap.Logger) (*pools.Index, *pools.Refresher, error) {
	rcfg, err := pools.NewRefresherConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	index := pools.NewIndex()
	refresher, err := pools.NewRefresher(rcfg, reader, index, m, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pool refresh settings: %w", err)
	}
	return index, refresher, nil
}

func newRouteFinder(cfg *config.Config) *arbitrage.RouteFinder {
	sizes := cfg.TradeSizesWei()
	grid := make([]*uint256.Int, 0, len(sizes))
	for _, s := range sizes {
		grid = append(grid, bmath.MustU256(s))
	}
	return arbitrage.NewRouteFinder(cfg.MaxHops, grid)
}

// newFlashLoans registers the Aave and Balancer providers.
func newFlashLoans(ctx context.Context, cfg *config.Config, client *ethclient.Client, reg prometheus.Registerer, logger *zap.Logger) *flashloan.Manager {
	manager := flashloan.NewManager(reg, logger)

	aavePool := aave.PolygonPool
	if addr, ok := config.Address(cfg.AavePool); ok {
		aavePool = addr
	}
	manager.AddProvider(aave.NewProvider(client, aavePool, cfg.AavePremiumBps, logger))

	vault := common.HexToAddress(balancer.VaultAddress)
	if addr, ok := config.Address(cfg.BalancerVault); ok {
		vault = addr
	}
	manager.AddProvider(balancer.NewProvider(client, vault, logger))

	if err := manager.RefreshAll(ctx); err != nil {
		logger.Warn("Initial flash loan fee refresh failed", zap.Error(err))
	}
	return manager
}

func newExecutor(cfg *config.Config) (*flashloan.Executor, error) {
	addr, ok := config.Address(cfg.ExecutorContract)
	if !ok {
		return nil, fmt.Errorf("executor contract %q is not an address", cfg.ExecutorContract)
	}
	method := flashloan.MethodFastLane
	if cfg.ExecutorMethod == config.ExecutorFlashLoan {
		method = flashloan.MethodFlashLoan
	}
	return flashloan.NewExecutor(addr, method)
}

// newTransport picks the submission path. Bundle mode signs relay requests
// with RELAY_AUTH_KEY, or the wallet key when none is set.
func newTransport(cfg *config.Config, client *ethclient.Client, wallet *ecdsa.PrivateKey) (relay.Transport, error) {
	if cfg.SubmitMode != config.SubmitBundle {
		return relay.NewContractTransport(client), nil
	}

	authKey := wallet
	if cfg.RelayAuthKey != "" {
		key, err := parseKey(cfg.RelayAuthKey)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", config.EnvRelayAuthKey, err)
		}
		authKey = key
	}
	return relay.NewBundleRPCTransport(flashbots.NewClient(cfg.RelayURL, authKey, cfg.SubmitTimeout)), nil
}

// newSimulator returns the pre-submission check, or nil when disabled.
// Bundle mode asks the relay with eth_callBundle; contract mode uses the node.
func newSimulator(cfg *config.Config, client simulator.Client, submitter *relay.Submitter, m *metrics.RelayMetrics, logger *zap.Logger) bot.Simulator {
	if !cfg.SimulateBeforeSubmit {
		return nil
	}
	if cfg.SubmitMode == config.SubmitBundle {
		return submitter
	}
	return simulator.NewSimulator(client, m, logger)
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

func chainID(cfg *config.Config) *big.Int {
	return new(big.Int).SetUint64(cfg.ChainID)
}
