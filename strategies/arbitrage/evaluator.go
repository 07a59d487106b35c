package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/dex/uniswap"
	"github.com/michaelpento.lv/polyarb/mempool"
	"github.com/michaelpento.lv/polyarb/pools"
	"github.com/michaelpento.lv/polyarb/types"
	"github.com/michaelpento.lv/polyarb/utils"
	bmath "github.com/michaelpento.lv/polyarb/utils/math"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

// DefaultMinProfit is 0.05 of the native token.
var DefaultMinProfit = big.NewInt(5e16)

// Evaluation outcomes, used as metric labels.
const (
	OutcomeFiltered       = "filtered"
	OutcomeNoPairs        = "no_pairs"
	OutcomeNoRoute        = "no_route"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeVerifyFailed   = "verify_failed"
	OutcomeOpportunity    = "opportunity"
	OutcomeCancelled      = "cancelled"
)

// PremiumQuoter prices the flash loan that funds a route.
type PremiumQuoter interface {
	Cheapest(amount *big.Int) (provider string, premium *big.Int)
}

type EvaluatorConfig struct {
	MinPayloadLen      int
	MinProfit          *big.Int
	MinPriceDivergence float64
	BaseTokens         []common.Address
	VerifyOnChain      bool
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		MinPayloadLen:      DefaultMinPayloadLen,
		MinProfit:          DefaultMinProfit,
		MinPriceDivergence: DefaultMinPriceDivergence,
	}
}

// Evaluator turns triggers into opportunities. It never fails: anything that
// goes wrong during an evaluation only ends that evaluation.
type Evaluator struct {
	cfg      EvaluatorConfig
	index    *pools.Index
	finder   *RouteFinder
	decoder  *utils.TransactionDecoder
	premiums PremiumQuoter
	caller   bind.ContractCaller
	metrics  *metrics.StrategyMetrics
	logger   *zap.Logger
}

// NewEvaluator wires an evaluator. premiums, caller and m may be nil; a nil
// caller disables on-chain verification.
func NewEvaluator(cfg EvaluatorConfig, index *pools.Index, finder *RouteFinder, premiums PremiumQuoter, caller bind.ContractCaller, m *metrics.StrategyMetrics, logger *zap.Logger) (*Evaluator, error) {
	decoder, err := utils.NewTransactionDecoder(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if cfg.MinProfit == nil {
		cfg.MinProfit = DefaultMinProfit
	}
	return &Evaluator{
		cfg:      cfg,
		index:    index,
		finder:   finder,
		decoder:  decoder,
		premiums: premiums,
		caller:   caller,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Evaluate returns the most profitable opportunity the trigger exposes, or
// nil if there is none above the profit threshold.
func (e *Evaluator) Evaluate(ctx context.Context, trig mempool.Trigger) *types.ArbitrageOpportunity {
	start := time.Now()
	opp, outcome := e.evaluate(ctx, trig)

	if e.metrics != nil {
		e.metrics.Evaluations.WithLabelValues(outcome).Inc()
		e.metrics.EvalLatency.Observe(time.Since(start).Seconds())
		if opp != nil {
			e.metrics.Opportunities.Inc()
			profit, _ := new(big.Float).SetInt(opp.ExpectedProfit()).Float64()
			e.metrics.ProfitTotal.Add(profit)
		}
	}
	return opp
}

func (e *Evaluator) evaluate(ctx context.Context, trig mempool.Trigger) (*types.ArbitrageOpportunity, string) {
	snap := e.index.Load()

	var pairs []tokenPair
	switch trig.Kind {
	case mempool.PendingTx:
		if !passesPrefilter(trig.Tx, e.cfg.MinPayloadLen, snap) {
			return nil, OutcomeFiltered
		}
		pairs = e.pendingPairs(trig.Tx, snap)
	case mempool.NewBlock:
		pairs = e.blockPairs(snap)
	default:
		return nil, OutcomeFiltered
	}
	if len(pairs) == 0 {
		return nil, OutcomeNoPairs
	}

	var best Route
	for _, p := range pairs {
		if ctx.Err() != nil {
			return nil, OutcomeCancelled
		}
		route, err := e.finder.FindBestRoute(p.In, p.Out, snap)
		if err != nil {
			e.logger.Debug("Route search failed",
				zap.String("token_in", p.In.Hex()),
				zap.String("token_out", p.Out.Hex()),
				zap.Error(err))
			continue
		}
		if betterCandidate(route, best) {
			best = route
		}
	}
	if best.Empty() {
		return nil, OutcomeNoRoute
	}

	amountIn := bmath.ToBig(best.AmountIn)
	gross := bmath.ToBig(best.Profit)
	provider, premium := "", new(big.Int)
	if e.premiums != nil {
		provider, premium = e.premiums.Cheapest(amountIn)
	}
	net := new(big.Int).Sub(gross, premium)
	if net.Cmp(e.cfg.MinProfit) < 0 {
		e.logger.Debug("Route below profit threshold",
			zap.String("gross_profit", gross.String()),
			zap.String("premium", premium.String()),
			zap.String("min_profit", e.cfg.MinProfit.String()))
		return nil, OutcomeBelowThreshold
	}

	if e.cfg.VerifyOnChain && e.caller != nil {
		ok, err := e.verify(ctx, best, snap)
		if err != nil {
			e.logger.Debug("On-chain verification failed", zap.Error(err))
			return nil, OutcomeVerifyFailed
		}
		if !ok {
			return nil, OutcomeVerifyFailed
		}
	}

	opp, err := e.wrap(best, snap, gross, premium, trig)
	if err != nil {
		e.logger.Debug("Failed to build opportunity", zap.Error(err))
		return nil, OutcomeNoRoute
	}

	e.logger.Info("Arbitrage opportunity found",
		zap.String("source", trig.Kind.String()),
		zap.String("tx_hash", trig.Hash().Hex()),
		zap.Uint64("block", snap.Block),
		zap.Int("hops", best.Hops()),
		zap.String("amount_in", amountIn.String()),
		zap.String("profit", opp.ExpectedProfit().String()),
		zap.String("flash_loan_provider", provider))
	return opp, OutcomeOpportunity
}

// wrap packages a route. The fee tier is the first V3 hop's tier, and each
// hop is executed through its pool's venue router.
func (e *Evaluator) wrap(r Route, snap *pools.Snapshot, gross, premium *big.Int, trig mempool.Trigger) (*types.ArbitrageOpportunity, error) {
	routers := make([]common.Address, len(r.Pools))
	var fee uint32
	for i, addr := range r.Pools {
		pair, ok := snap.Pair(addr)
		if !ok {
			return nil, fmt.Errorf("pool %s left the index", addr.Hex())
		}
		routers[i] = pair.Venue.Router()
		if fee == 0 && pair.Venue.IsV3() {
			fee = pair.FeeTier
		}
	}

	amounts := make([]*big.Int, len(r.Amounts))
	for i, a := range r.Amounts {
		amounts[i] = bmath.ToBig(a)
	}

	return types.NewArbitrageOpportunity(types.OpportunityParams{
		Token0:           r.Path[0],
		Token1:           r.Path[len(r.Path)-1],
		Amount0:          bmath.ToBig(r.AmountIn),
		Amount1:          new(big.Int),
		Fee:              fee,
		Path:             r.Path,
		Pools:            r.Pools,
		Routers:          routers,
		Amounts:          amounts,
		GrossProfit:      gross,
		FlashLoanPremium: premium,
		Source:           trig.Kind.String(),
		TriggerHash:      trig.Hash(),
		BlockNumber:      snap.Block,
	})
}

// verify re-quotes every hop through its router. Routes with a V3 hop are
// accepted as is since the V3 router has no view quote.
func (e *Evaluator) verify(ctx context.Context, r Route, snap *pools.Snapshot) (bool, error) {
	venues := make([]dex.Venue, len(r.Pools))
	for i, addr := range r.Pools {
		pair, ok := snap.Pair(addr)
		if !ok {
			return false, fmt.Errorf("pool %s left the index", addr.Hex())
		}
		if pair.Venue.IsV3() {
			return true, nil
		}
		venues[i] = pair.Venue
	}

	for i, venue := range venues {
		in := bmath.ToBig(r.Amounts[i])
		want := bmath.ToBig(r.Amounts[i+1])
		out, err := uniswap.NewRouter(venue.Router()).GetAmountsOut(ctx, e.caller, in, []common.Address{r.Path[i], r.Path[i+1]})
		if err != nil {
			return false, err
		}
		if got := out[len(out)-1]; got.Cmp(want) < 0 {
			e.logger.Debug("On-chain quote below local estimate",
				zap.Int("hop", i),
				zap.String("venue", venue.String()),
				zap.String("local", want.String()),
				zap.String("onchain", got.String()))
			return false, nil
		}
	}
	return true, nil
}
