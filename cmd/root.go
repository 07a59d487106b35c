package cmd

import (
	"context"

	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "polyarb",
	Short: "A Polygon DEX arbitrage engine",
	Long: `polyarb watches the Polygon mempool and new blocks for price gaps
between Quickswap, Sushiswap and Uniswap V3 pools, and submits flash loan
funded arbitrage bundles to a private relay.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, json or yaml (default is $HOME/.polyarb.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	log := utils.InitLogger(debug)
	if err := config.LoadEnv(); err != nil {
		log.Debug("No .env file loaded", zap.Error(err))
	}
}

// loadConfig reads the config file and attaches the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Logger = utils.GetLogger()
	return cfg, nil
}
