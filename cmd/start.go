package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/bundle"
	"github.com/michaelpento.lv/polyarb/cmd/bot"
	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/dex/uniswap"
	"github.com/michaelpento.lv/polyarb/gas"
	"github.com/michaelpento.lv/polyarb/mempool"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/relay"
	"github.com/michaelpento.lv/polyarb/strategies/arbitrage"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
	"github.com/michaelpento.lv/polyarb/utils/monitor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arbitrage engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := cfg.Logger

		if err := cfg.ValidateConfig(); err != nil {
			log.Error("Invalid configuration", zap.Error(err))
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := run(ctx, cfg, log); err != nil {
			log.Error("Engine failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewEngineMetrics(reg)

	index, refresher, err := newRefresher(cfg, uniswap.NewReader(client), m.Index, log)
	if err != nil {
		return err
	}
	loans := newFlashLoans(ctx, cfg, client, reg, log)

	evalCfg := arbitrage.DefaultEvaluatorConfig()
	evalCfg.MinPayloadLen = cfg.MinPayloadLen
	evalCfg.MinProfit = cfg.MinProfitWei()
	evalCfg.MinPriceDivergence = cfg.MinPriceDivergence
	evalCfg.BaseTokens = cfg.BaseTokenAddresses()
	evalCfg.VerifyOnChain = cfg.VerifyOnChain
	evaluator, err := arbitrage.NewEvaluator(evalCfg, index, newRouteFinder(cfg), loans, client, m.Strategy, log)
	if err != nil {
		return err
	}

	executor, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	builder := bundle.NewBuilder(executor, cfg.BidBps, cfg.MinBidWei())
	estimator := gas.NewEstimator(client, cfg.MinPriorityFeeWei(), cfg.FlashLoanOverheadGas, log)

	wallet, err := parseKey(cfg.WalletPrivateKey)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvWalletPrivateKey, err)
	}
	transport, err := newTransport(cfg, client, wallet)
	if err != nil {
		return err
	}
	submitter, err := relay.NewSubmitter(relay.Config{
		ChainID:        chainID(cfg),
		MaxTargetAhead: cfg.MaxTargetAhead,
		MaxDelayBlocks: cfg.MaxDelayBlocks,
	}, wallet, client, estimator, transport, m.Relay, log)
	if err != nil {
		return err
	}

	queue := mempool.NewTriggerQueue(cfg.QueueSize, m.Mempool, log)
	blocks := mempool.NewBlockWatcher(client, queue, cfg.BlockPollInterval, cfg.ReadTimeout, log)

	deps := bot.Deps{
		Queue:      queue,
		Blocks:     blocks,
		Head:       client,
		Refresher:  refresher,
		Gas:        estimator,
		FlashLoans: loans,
		Evaluator:  evaluator,
		Builder:    builder,
		Submitter:  submitter,
		Metrics:    m,
	}
	deps.Simulator = newSimulator(cfg, client, submitter, m.Relay, log)

	// The pending stream needs a websocket. Without one the engine runs on
	// block triggers only.
	if cfg.WSEndpoint != "" {
		ws, err := ethclient.DialContext(ctx, cfg.WSEndpoint)
		if err != nil {
			log.Warn("Failed to connect to websocket endpoint, pending stream disabled", zap.Error(err))
		} else {
			defer ws.Close()
			breaker := mempool.NewCircuitBreaker(cfg.CircuitBreaker, reg, log)
			mon, err := mempool.NewMonitor(cfg, mempool.NewEthClientWrapper(ws), queue, blocks, breaker, m.Mempool, log)
			if err != nil {
				return err
			}
			deps.Monitor = mon
		}
	}

	system := monitor.NewSystemMonitor(ctx, reg, metrics.Namespace, 5*time.Second, log)
	defer system.Cleanup()
	deps.System = system

	if cfg.PrometheusEnabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.PrometheusEndpoint, reg, log); err != nil {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	if err := warmUp(ctx, cfg, client, refresher, estimator, submitter, log); err != nil {
		return err
	}
	log.Info("Pool index ready",
		zap.Uint64("block", index.Block()),
		zap.Int("pools", refresher.Tracked()),
		zap.String("wallet", submitter.From().Hex()))

	engine, err := bot.New(cfg, deps, log)
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}

// warmUp loads the first snapshot and fee data so the first trigger is
// evaluated against real state.
func warmUp(ctx context.Context, cfg *config.Config, client *ethclient.Client, refresher *pools.Refresher, estimator *gas.Estimator, submitter *relay.Submitter, log *zap.Logger) error {
	readCtx, cancel := context.WithTimeout(ctx, cfg.ReadTimeout)
	head, err := client.BlockNumber(readCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to read latest block: %w", err)
	}
	submitter.ObserveBlock(head)

	if err := refresher.Refresh(ctx, head); err != nil {
		log.Warn("Initial reserve refresh failed", zap.Error(err))
	}

	readCtx, cancel = context.WithTimeout(ctx, cfg.ReadTimeout)
	defer cancel()
	if err := estimator.Update(readCtx); err != nil {
		log.Warn("Initial gas update failed", zap.Error(err))
	}
	return nil
}
