package pools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
)

// StaticPool is a pool tracked from configuration rather than discovered.
type StaticPool struct {
	Address common.Address
	Venue   dex.Venue
}

// errRefreshBudget marks reads the rate limiter could not admit before the
// refresh deadline.
var errRefreshBudget = errors.New("refresh budget exhausted")

type RefresherConfig struct {
	// Factories are scanned through allPairs. Only V2 venues expose it.
	Factories          []dex.Venue
	StaticPools        []StaticPool
	MaxPairsPerFactory uint64
	Concurrency        int
	CallTimeout        time.Duration
	// Timeout is the base deadline of one Refresh. Time the limiter needs
	// beyond its burst is added on top.
	Timeout           time.Duration
	RateLimit         float64
	RateBurst         int
	MetadataCacheSize int
}

// DefaultRefresherConfig tracks the Quickswap and Sushiswap factories.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Factories:          []dex.Venue{dex.Quickswap, dex.Sushiswap},
		MaxPairsPerFactory: 200,
		Concurrency:        16,
		CallTimeout:        2 * time.Second,
		Timeout:            5 * time.Second,
		RateLimit:          400,
		RateBurst:          400,
		MetadataCacheSize:  10_000,
	}
}

// NewRefresherConfig maps the engine settings onto a RefresherConfig.
func NewRefresherConfig(cfg *config.Config) (RefresherConfig, error) {
	rcfg := DefaultRefresherConfig()
	rcfg.Factories = nil
	for _, name := range cfg.Factories {
		venue, err := dex.ParseVenue(name)
		if err != nil {
			return RefresherConfig{}, fmt.Errorf("invalid factory: %w", err)
		}
		rcfg.Factories = append(rcfg.Factories, venue)
	}
	for _, p := range cfg.Pools {
		venue, err := dex.ParseVenue(p.Venue)
		if err != nil {
			return RefresherConfig{}, fmt.Errorf("invalid pool %s: %w", p.Address, err)
		}
		rcfg.StaticPools = append(rcfg.StaticPools, StaticPool{
			Address: common.HexToAddress(p.Address),
			Venue:   venue,
		})
	}
	if cfg.MaxPairsPerFactory > 0 {
		rcfg.MaxPairsPerFactory = cfg.MaxPairsPerFactory
	}
	if cfg.RefreshConcurrency > 0 {
		rcfg.Concurrency = cfg.RefreshConcurrency
	}
	if cfg.RefreshTimeout > 0 {
		rcfg.Timeout = cfg.RefreshTimeout
	}
	rcfg.CallTimeout = cfg.ReadTimeout
	rcfg.RateLimit = cfg.RefreshRateLimit.RequestsPerSecond
	rcfg.RateBurst = cfg.RefreshRateLimit.BurstSize
	return rcfg, nil
}

// ReadsPerBlock is the number of reserve reads a steady-state refresh makes
// with every tracked pool's metadata cached.
func (c RefresherConfig) ReadsPerBlock() int {
	reads := 0
	for _, p := range c.StaticPools {
		reads += readsFor(p.Venue, true)
	}
	for _, venue := range c.Factories {
		if !venue.IsV3() {
			reads += int(c.MaxPairsPerFactory)
		}
	}
	return reads
}

// Validate rejects a pool set the rate limit cannot read within Timeout.
func (c RefresherConfig) Validate() error {
	if c.RateLimit <= 0 {
		return nil
	}
	if c.MaxPairsPerFactory == 0 && len(c.Factories) > 0 {
		return fmt.Errorf("max pairs per factory must be set when the refresh is rate limited")
	}
	reads := c.ReadsPerBlock()
	if admitted := c.RateLimit*c.Timeout.Seconds() + float64(c.RateBurst); float64(reads) > admitted {
		return fmt.Errorf("%d reserve reads per block exceed the %.0f the rate limit admits within %s",
			reads, admitted, c.Timeout)
	}
	return nil
}

// readsFor counts the calls one pool costs in a refresh.
func readsFor(venue dex.Venue, cached bool) int {
	reads := 1
	if venue.IsV3() {
		reads = 2
	}
	if !cached {
		reads++
		if venue.IsV3() {
			reads++
		}
	}
	return reads
}

type pairMeta struct {
	token0  common.Address
	token1  common.Address
	venue   dex.Venue
	feeBps  uint32
	feeTier uint32
}

// Refresher reads reserves for every tracked pool and publishes a new
// snapshot into the index once per block.
type Refresher struct {
	cfg     RefresherConfig
	reader  dex.PoolReader
	index   *Index
	limiter *rate.Limiter
	meta    *lru.Cache
	metrics *metrics.IndexMetrics
	logger  *zap.Logger

	mu      sync.Mutex
	tracked map[common.Address]dex.Venue
	scanned map[dex.Venue]uint64
}

func NewRefresher(cfg RefresherConfig, reader dex.PoolReader, index *Index, m *metrics.IndexMetrics, logger *zap.Logger) (*Refresher, error) {
	if reader == nil || index == nil {
		return nil, fmt.Errorf("reader and index are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MetadataCacheSize <= 0 {
		cfg.MetadataCacheSize = 1024
	}
	cache, err := lru.New(cfg.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	r := &Refresher{
		cfg:     cfg,
		reader:  reader,
		index:   index,
		limiter: rate.NewLimiter(limit, burst),
		meta:    cache,
		metrics: m,
		logger:  logger,
		tracked: make(map[common.Address]dex.Venue),
		scanned: make(map[dex.Venue]uint64),
	}
	for _, p := range cfg.StaticPools {
		r.tracked[p.Address] = p.Venue
	}
	return r, nil
}

// Tracked returns the number of pools currently tracked.
func (r *Refresher) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Refresh discovers new pairs, reads all reserves and publishes the result
// as the snapshot for block. The refresh sets its own deadline from
// Timeout and the reads the limiter still has to admit.
//
// A pool whose read fails is dropped for this block. When every read fails,
// or when reads ran out of time, nothing is published and the previous
// snapshot stays current.
func (r *Refresher) Refresh(ctx context.Context, block uint64) error {
	start := time.Now()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	r.discover(dctx)
	cancel()

	r.mu.Lock()
	pools := make(map[common.Address]dex.Venue, len(r.tracked))
	for addr, v := range r.tracked {
		pools[addr] = v
	}
	r.mu.Unlock()

	if len(pools) == 0 {
		r.publish(block, map[common.Address]TradingPair{})
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, r.budget(pools))
	defer cancel()

	var (
		mu       sync.Mutex
		pairs    = make(map[common.Address]TradingPair, len(pools))
		failures int
		starved  int
	)

	g, gctx := errgroup.WithContext(rctx)
	g.SetLimit(r.cfg.Concurrency)
	for addr, venue := range pools {
		addr, venue := addr, venue
		g.Go(func() error {
			pair, err := r.readPair(gctx, addr, venue)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				pairs[addr] = pair
			case errors.Is(err, errRefreshBudget) || gctx.Err() != nil:
				starved++
			default:
				failures++
				r.logger.Debug("Dropping pool for this block",
					zap.String("pool", addr.Hex()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if starved > 0 {
		if r.metrics != nil {
			r.metrics.RefreshErrors.Inc()
		}
		return fmt.Errorf("failed to read %d of %d pools before the refresh deadline: %w",
			starved, len(pools), types.ErrNetworkFailure)
	}
	if len(pairs) == 0 && failures > 0 {
		if r.metrics != nil {
			r.metrics.RefreshErrors.Inc()
		}
		return fmt.Errorf("failed to refresh reserves for %d pools: %w", failures, types.ErrNetworkFailure)
	}

	snap := r.publish(block, pairs)
	if r.metrics != nil {
		r.metrics.RefreshLatency.Observe(time.Since(start).Seconds())
	}
	r.logger.Debug("Published reserve snapshot",
		zap.Uint64("block", block),
		zap.Int("pools", len(snap.Pairs)),
		zap.Int("tokens", len(snap.Graph)),
		zap.Int("failures", failures))
	return nil
}

// budget is Timeout plus the time the limiter needs to admit the reads of
// pools beyond the tokens it currently holds.
func (r *Refresher) budget(pools map[common.Address]dex.Venue) time.Duration {
	if r.limiter.Limit() == rate.Inf {
		return r.cfg.Timeout
	}
	reads := 0
	for addr, venue := range pools {
		reads += readsFor(venue, r.meta.Contains(addr))
	}
	short := float64(reads) - r.limiter.Tokens()
	if short <= 0 {
		return r.cfg.Timeout
	}
	return r.cfg.Timeout + time.Duration(short/float64(r.limiter.Limit())*float64(time.Second))
}

func (r *Refresher) publish(block uint64, pairs map[common.Address]TradingPair) *Snapshot {
	snap := r.index.Publish(block, pairs)
	if r.metrics != nil {
		r.metrics.Pools.Set(float64(len(snap.Pairs)))
		r.metrics.Tokens.Set(float64(len(snap.Graph)))
		r.metrics.Block.Set(float64(block))
	}
	return snap
}

// discover scans factories incrementally. Pairs already scanned are not
// requested again.
func (r *Refresher) discover(ctx context.Context) {
	for _, venue := range r.cfg.Factories {
		if venue.IsV3() {
			continue
		}
		factory := venue.Factory()

		if err := r.wait(ctx); err != nil {
			return
		}
		total, err := r.withTimeout(ctx, func(cctx context.Context) (uint64, error) {
			return r.reader.AllPairsLength(cctx, factory)
		})
		if err != nil {
			r.logger.Warn("Failed to read factory pair count",
				zap.String("venue", venue.String()),
				zap.Error(err))
			continue
		}
		if r.cfg.MaxPairsPerFactory > 0 && total > r.cfg.MaxPairsPerFactory {
			total = r.cfg.MaxPairsPerFactory
		}

		r.mu.Lock()
		from := r.scanned[venue]
		r.mu.Unlock()

		for i := from; i < total; i++ {
			if err := r.wait(ctx); err != nil {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			pair, err := r.reader.PairAt(cctx, factory, i)
			cancel()
			if err != nil {
				r.logger.Warn("Failed to read factory pair",
					zap.String("venue", venue.String()),
					zap.Uint64("index", i),
					zap.Error(err))
				break
			}

			r.mu.Lock()
			if _, ok := r.tracked[pair]; !ok {
				r.tracked[pair] = venue
			}
			r.scanned[venue] = i + 1
			r.mu.Unlock()
		}
	}
}

func (r *Refresher) readPair(ctx context.Context, addr common.Address, venue dex.Venue) (TradingPair, error) {
	meta, err := r.metadata(ctx, addr, venue)
	if err != nil {
		return TradingPair{}, err
	}

	var reserve0, reserve1 *uint256.Int
	if venue.IsV3() {
		// Concentrated liquidity pools are approximated by their token balances.
		b0, err := r.balance(ctx, meta.token0, addr)
		if err != nil {
			return TradingPair{}, err
		}
		b1, err := r.balance(ctx, meta.token1, addr)
		if err != nil {
			return TradingPair{}, err
		}
		reserve0, reserve1 = b0, b1
	} else {
		if err := r.wait(ctx); err != nil {
			return TradingPair{}, err
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		r0, r1, err := r.reader.Reserves(cctx, addr)
		cancel()
		if err != nil {
			return TradingPair{}, err
		}
		if reserve0, err = bmath.ToU256(r0); err != nil {
			return TradingPair{}, err
		}
		if reserve1, err = bmath.ToU256(r1); err != nil {
			return TradingPair{}, err
		}
	}

	return TradingPair{
		Pool:     addr,
		Token0:   meta.token0,
		Token1:   meta.token1,
		Venue:    meta.venue,
		Reserve0: reserve0,
		Reserve1: reserve1,
		FeeBps:   meta.feeBps,
		FeeTier:  meta.feeTier,
	}, nil
}

func (r *Refresher) balance(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	bal, err := r.reader.BalanceOf(cctx, token, owner)
	if err != nil {
		return nil, err
	}
	return bmath.ToU256(bal)
}

// metadata returns the immutable token and fee data of a pool, cached across blocks.
func (r *Refresher) metadata(ctx context.Context, addr common.Address, venue dex.Venue) (pairMeta, error) {
	if cached, ok := r.meta.Get(addr); ok {
		return cached.(pairMeta), nil
	}

	if err := r.wait(ctx); err != nil {
		return pairMeta{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	token0, token1, err := r.reader.Tokens(cctx, addr)
	cancel()
	if err != nil {
		return pairMeta{}, err
	}

	meta := pairMeta{
		token0: token0,
		token1: token1,
		venue:  venue,
		feeBps: venue.DefaultFeeBps(),
	}
	if venue.IsV3() {
		if err := r.wait(ctx); err != nil {
			return pairMeta{}, err
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		tier, err := r.reader.Fee(cctx, addr)
		cancel()
		if err != nil {
			return pairMeta{}, err
		}
		meta.feeTier = tier
		meta.feeBps = tier / 100
	}

	r.meta.Add(addr, meta)
	return meta, nil
}

func (r *Refresher) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", errRefreshBudget, err)
	}
	return nil
}

func (r *Refresher) withTimeout(ctx context.Context, fn func(context.Context) (uint64, error)) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return fn(cctx)
}
