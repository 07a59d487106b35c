package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/dex/uniswap"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/strategies/arbitrage"
	"github.com/michaelpento.lv/polyarb/types"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

var (
	routeFrom string
	routeTo   string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Search the live pool index for the best route once",
	Long: `Loads the pool index at the latest block and prints the most
profitable route from --from to --to. Omit --to to search cycles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateSettings(); err != nil {
			return err
		}
		if !common.IsHexAddress(routeFrom) {
			return fmt.Errorf("--from %q is not an address", routeFrom)
		}
		tokenIn := common.HexToAddress(routeFrom)
		tokenOut := tokenIn
		if routeTo != "" {
			if !common.IsHexAddress(routeTo) {
				return fmt.Errorf("--to %q is not an address", routeTo)
			}
			tokenOut = common.HexToAddress(routeTo)
		}

		ctx := cmd.Context()
		client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to node: %w", err)
		}
		defer client.Close()

		reg := prometheus.NewRegistry()
		index, refresher, err := newRefresher(cfg, uniswap.NewReader(client), metrics.NewIndexMetrics(reg, metrics.Namespace), cfg.Logger)
		if err != nil {
			return err
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to read latest block: %w", err)
		}
		if err := refresher.Refresh(ctx, head); err != nil {
			return err
		}

		loans := newFlashLoans(ctx, cfg, client, reg, cfg.Logger)
		return findRoute(cmd.OutOrStdout(), index.Load(), newRouteFinder(cfg), loans, tokenIn, tokenOut, cfg.Logger)
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.Flags().StringVar(&routeFrom, "from", "", "input token address")
	routeCmd.Flags().StringVar(&routeTo, "to", "", "output token address (default is --from)")
	_ = routeCmd.MarkFlagRequired("from")
}

func findRoute(out io.Writer, snap *pools.Snapshot, finder *arbitrage.RouteFinder, premiums arbitrage.PremiumQuoter, tokenIn, tokenOut common.Address, log *zap.Logger) error {
	route, err := finder.FindBestRoute(tokenIn, tokenOut, snap)
	if errors.Is(err, types.ErrNoLiquidityPath) {
		fmt.Fprintf(out, "No pool trades %s at block %d\n", tokenIn.Hex(), snap.Block)
		return nil
	}
	if err != nil {
		return err
	}
	if route.Empty() {
		fmt.Fprintf(out, "No profitable route at block %d across %d pools\n", snap.Block, len(snap.Pairs))
		return nil
	}

	amountIn := bmath.ToBig(route.AmountIn)
	provider, premium := premiums.Cheapest(amountIn)

	fmt.Fprintf(out, "Block:     %d\n", snap.Block)
	fmt.Fprintf(out, "Hops:      %d\n", route.Hops())
	for i, pool := range route.Pools {
		venue := "?"
		if pair, ok := snap.Pair(pool); ok {
			venue = pair.Venue.String()
		}
		fmt.Fprintf(out, "  %d. %s -> %s via %s (%s)\n", i+1, route.Path[i].Hex(), route.Path[i+1].Hex(), pool.Hex(), venue)
	}
	fmt.Fprintf(out, "Amount in: %s\n", amountIn)
	fmt.Fprintf(out, "Profit:    %s\n", bmath.ToBig(route.Profit))
	fmt.Fprintf(out, "Premium:   %s (%s)\n", premium, provider)

	log.Debug("Route search complete",
		zap.Uint64("block", snap.Block),
		zap.Int("hops", route.Hops()),
		zap.String("provider", provider))
	return nil
}
