package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Dedup policies for opportunities found more than once in a block.
const (
	DedupNone     = "none"
	DedupPerBlock = "per-block"
)

// Executor entry points.
const (
	ExecutorFastLane  = "fastlane"
	ExecutorFlashLoan = "flashloan"
)

// Submission transports.
const (
	SubmitContract = "contract"
	SubmitBundle   = "bundle"
)

type Config struct {
	// Chain and network settings
	ChainID     uint64 `json:"chain_id" yaml:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	WSEndpoint  string `json:"ws_endpoint" yaml:"ws_endpoint"`
	RelayURL    string `json:"relay_url" yaml:"relay_url"`

	// Contracts
	ExecutorContract       string `json:"executor_contract" yaml:"executor_contract"`
	FlashLoanContract      string `json:"flash_loan_contract" yaml:"flash_loan_contract"`
	FastLaneContract       string `json:"fastlane_contract" yaml:"fastlane_contract"`
	FastLaneSenderContract string `json:"fastlane_sender_contract" yaml:"fastlane_sender_contract"`
	AavePool               string `json:"aave_pool" yaml:"aave_pool"`
	BalancerVault          string `json:"balancer_vault" yaml:"balancer_vault"`

	// Secrets are only read from the environment.
	WalletPrivateKey string `json:"-" yaml:"-"`
	RelayAuthKey     string `json:"-" yaml:"-"`

	// Discovery
	Factories          []string     `json:"factories" yaml:"factories"`
	Pools              []PoolConfig `json:"pools" yaml:"pools"`
	BaseTokens         []string     `json:"base_tokens" yaml:"base_tokens"`
	MaxPairsPerFactory uint64       `json:"max_pairs_per_factory" yaml:"max_pairs_per_factory"`
	RefreshConcurrency int          `json:"refresh_concurrency" yaml:"refresh_concurrency"`

	// RefreshTimeout bounds one reserve refresh. The refresher extends it by
	// the time RefreshRateLimit needs to admit every read of the block.
	RefreshTimeout   time.Duration   `json:"refresh_timeout" yaml:"refresh_timeout"`
	RefreshRateLimit RateLimitConfig `json:"refresh_rate_limit" yaml:"refresh_rate_limit"`

	// Strategy
	MinProfit          string   `json:"min_profit_wei" yaml:"min_profit_wei"`
	MinPriceDivergence float64  `json:"min_price_divergence" yaml:"min_price_divergence"`
	MinPayloadLen      int      `json:"min_payload_len" yaml:"min_payload_len"`
	MaxHops            int      `json:"max_hops" yaml:"max_hops"`
	TradeSizes         []string `json:"trade_sizes_wei" yaml:"trade_sizes_wei"`
	VerifyOnChain      bool     `json:"verify_on_chain" yaml:"verify_on_chain"`
	DedupPolicy        string   `json:"dedup_policy" yaml:"dedup_policy"`

	// Execution
	ExecutorMethod       string `json:"executor_method" yaml:"executor_method"`
	SubmitMode           string `json:"submit_mode" yaml:"submit_mode"`
	BidBps               uint64 `json:"bid_bps" yaml:"bid_bps"`
	MinBid               string `json:"min_bid_wei" yaml:"min_bid_wei"`
	MaxTargetAhead       uint64 `json:"max_target_ahead" yaml:"max_target_ahead"`
	MaxDelayBlocks       uint64 `json:"max_delay_blocks" yaml:"max_delay_blocks"`
	SimulateBeforeSubmit bool   `json:"simulate_before_submit" yaml:"simulate_before_submit"`
	MinPriorityFee       string `json:"min_priority_fee_wei" yaml:"min_priority_fee_wei"`
	FlashLoanOverheadGas uint64 `json:"flash_loan_overhead_gas" yaml:"flash_loan_overhead_gas"`
	AavePremiumBps       uint64 `json:"aave_premium_bps" yaml:"aave_premium_bps"`

	// Orchestration
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	BlockPollInterval time.Duration `json:"block_poll_interval" yaml:"block_poll_interval"`
	EvalTimeout       time.Duration `json:"eval_timeout" yaml:"eval_timeout"`
	SubmitTimeout     time.Duration `json:"submit_timeout" yaml:"submit_timeout"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout"`
	ReadRetries       int           `json:"read_retries" yaml:"read_retries"`
	StatusInterval    time.Duration `json:"status_interval" yaml:"status_interval"`
	SeenCacheSize     int           `json:"seen_cache_size" yaml:"seen_cache_size"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RPCRateLimit   RateLimitConfig      `json:"rpc_rate_limit" yaml:"rpc_rate_limit"`

	// Feature flags
	PrometheusEnabled  bool   `json:"prometheus_enabled" yaml:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint" yaml:"prometheus_endpoint"`

	// Internal components
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// PoolConfig is a statically tracked pool.
type PoolConfig struct {
	Address string `json:"address" yaml:"address"`
	Venue   string `json:"venue" yaml:"venue"`
}

type CircuitBreakerConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	ErrorThreshold int           `json:"error_threshold" yaml:"error_threshold"`
	ResetInterval  time.Duration `json:"reset_interval" yaml:"reset_interval"`
	CooldownPeriod time.Duration `json:"cooldown_period" yaml:"cooldown_period"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

// ValidateConfig checks everything the engine needs to start, including
// the contract addresses and keys supplied through the environment.
func (c *Config) ValidateConfig() error {
	var errs []string

	// Validate Chain and Network settings
	if c.ChainID == 0 {
		errs = append(errs, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errs = append(errs, "rpc_endpoint must be specified")
	}
	if c.WalletPrivateKey == "" {
		errs = append(errs, fmt.Sprintf("%s must be set", EnvWalletPrivateKey))
	}
	if !isAddress(c.ExecutorContract) {
		errs = append(errs, "executor_contract must be a valid address")
	}
	if c.SubmitMode == SubmitBundle && c.RelayURL == "" {
		errs = append(errs, "relay_url must be specified for bundle submission")
	}

	errs = append(errs, c.validateSettings()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateSettings checks the tunables only. Read-only commands use it
// where no wallet or executor is needed.
func (c *Config) ValidateSettings() error {
	if errs := c.validateSettings(); len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSettings() []string {
	var errs []string

	for name, value := range map[string]string{
		"min_profit_wei":       c.MinProfit,
		"min_bid_wei":          c.MinBid,
		"min_priority_fee_wei": c.MinPriorityFee,
	} {
		if _, err := ParseWei(value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	for _, size := range c.TradeSizes {
		if v, err := ParseWei(size); err != nil || v.Sign() == 0 {
			errs = append(errs, fmt.Sprintf("trade size %q must be a positive integer", size))
		}
	}
	for _, token := range c.BaseTokens {
		if !isAddress(token) {
			errs = append(errs, fmt.Sprintf("base token %q is not an address", token))
		}
	}
	for _, p := range c.Pools {
		if !isAddress(p.Address) {
			errs = append(errs, fmt.Sprintf("pool %q is not an address", p.Address))
		}
	}
	if c.MaxHops < 1 || c.MaxHops > 3 {
		errs = append(errs, "max_hops must be between 1 and 3")
	}
	if c.BidBps > 10_000 {
		errs = append(errs, "bid_bps must not exceed 10000")
	}
	if c.MaxTargetAhead == 0 {
		errs = append(errs, "max_target_ahead must be positive")
	}
	if c.QueueSize <= 0 {
		errs = append(errs, "queue_size must be positive")
	}
	if c.BlockPollInterval <= 0 {
		errs = append(errs, "block_poll_interval must be positive")
	}
	if c.EvalTimeout <= 0 || c.SubmitTimeout <= 0 || c.ReadTimeout <= 0 || c.RefreshTimeout <= 0 {
		errs = append(errs, "timeouts must be positive")
	}
	switch c.DedupPolicy {
	case DedupNone, DedupPerBlock:
	default:
		errs = append(errs, fmt.Sprintf("unknown dedup_policy %q", c.DedupPolicy))
	}
	switch c.ExecutorMethod {
	case ExecutorFastLane, ExecutorFlashLoan:
	default:
		errs = append(errs, fmt.Sprintf("unknown executor_method %q", c.ExecutorMethod))
	}
	switch c.SubmitMode {
	case SubmitContract, SubmitBundle:
	default:
		errs = append(errs, fmt.Sprintf("unknown submit_mode %q", c.SubmitMode))
	}

	// Validate Circuit Breaker
	if err := c.CircuitBreaker.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("circuit breaker error: %v", err))
	}

	// Validate Rate Limits
	if err := c.RPCRateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("RPC rate limit error: %v", err))
	}
	if err := c.RefreshRateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("refresh rate limit error: %v", err))
	}

	return errs
}

func (c *CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("error threshold must be positive")
	}
	if c.ResetInterval <= 0 {
		return fmt.Errorf("reset interval must be positive")
	}
	if c.CooldownPeriod <= 0 {
		return fmt.Errorf("cooldown period must be positive")
	}

	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}

	return nil
}

// LoadConfig reads a json or yaml file (chosen by extension) over the
// defaults and then applies the environment. An empty path means
// $HOME/.polyarb.json, which may be absent.
func LoadConfig(cfgFile string) (*Config, error) {
	cfg := NewConfig()

	explicit := cfgFile != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".polyarb.json")
	}

	data, err := os.ReadFile(cfgFile)
	switch {
	case err == nil:
		if err := decode(cfgFile, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

// NewConfig returns the Polygon mainnet defaults.
func NewConfig() *Config {
	return &Config{
		ChainID:     137,
		RPCEndpoint: "http://localhost:8545",
		WSEndpoint:  "ws://localhost:8546",

		Factories:          []string{"quickswap", "sushiswap"},
		BaseTokens:         []string{"0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"},
		MaxPairsPerFactory: 200,
		RefreshConcurrency: 16,
		RefreshTimeout:     5 * time.Second,

		MinProfit:          "50000000000000000", // 0.05 MATIC
		MinPriceDivergence: 0.01,
		MinPayloadLen:      100,
		MaxHops:            3,
		TradeSizes: []string{
			"1000000000000000000",
			"5000000000000000000",
			"10000000000000000000",
		},
		DedupPolicy: DedupNone,

		ExecutorMethod:       ExecutorFastLane,
		SubmitMode:           SubmitContract,
		BidBps:               8000,
		MinBid:               "1000000000000000",
		MaxTargetAhead:       5,
		MaxDelayBlocks:       3,
		MinPriorityFee:       "1000000000", // 1 gwei
		FlashLoanOverheadGas: 100_000,
		AavePremiumBps:       5,

		QueueSize:         1024,
		BlockPollInterval: time.Second,
		EvalTimeout:       500 * time.Millisecond,
		SubmitTimeout:     5 * time.Second,
		ReadTimeout:       2 * time.Second,
		ReadRetries:       3,
		StatusInterval:    time.Minute,
		SeenCacheSize:     100_000,

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			ErrorThreshold: 10,
			ResetInterval:  time.Minute,
			CooldownPeriod: time.Second * 30,
		},
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         100,
			WaitTimeout:       time.Second,
		},
		RefreshRateLimit: RateLimitConfig{
			RequestsPerSecond: 400,
			BurstSize:         400,
			WaitTimeout:       time.Second,
		},

		PrometheusEnabled:  false,
		PrometheusEndpoint: ":9090",
	}
}

// DefaultConfig is NewConfig with a no-op logger attached, for tests.
func DefaultConfig() *Config {
	cfg := NewConfig()
	cfg.Logger = zap.NewNop()
	return cfg
}

// ParseWei parses a base-10 non-negative integer. An empty string is zero.
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

func mustWei(s string) *big.Int {
	v, err := ParseWei(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}

func (c *Config) MinProfitWei() *big.Int      { return mustWei(c.MinProfit) }
func (c *Config) MinBidWei() *big.Int         { return mustWei(c.MinBid) }
func (c *Config) MinPriorityFeeWei() *big.Int { return mustWei(c.MinPriorityFee) }

// TradeSizesWei returns the parsed grid, skipping invalid entries.
func (c *Config) TradeSizesWei() []*big.Int {
	out := make([]*big.Int, 0, len(c.TradeSizes))
	for _, s := range c.TradeSizes {
		if v, err := ParseWei(s); err == nil && v.Sign() > 0 {
			out = append(out, v)
		}
	}
	return out
}

// BaseTokenAddresses returns the configured cycle tokens.
func (c *Config) BaseTokenAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.BaseTokens))
	for _, t := range c.BaseTokens {
		if isAddress(t) {
			out = append(out, common.HexToAddress(t))
		}
	}
	return out
}

// Address parses an optional contract address setting.
func Address(s string) (common.Address, bool) {
	if !isAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
