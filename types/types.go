package types

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultFeeTier is the uint24 fee passed to the executor when no V3 hop sets one.
const DefaultFeeTier uint32 = 3000

// OpportunityParams carries the inputs of NewArbitrageOpportunity.
type OpportunityParams struct {
	Token0           common.Address
	Token1           common.Address
	Amount0          *big.Int
	Amount1          *big.Int
	Fee              uint32
	Path             []common.Address
	Pools            []common.Address
	Routers          []common.Address
	Amounts          []*big.Int
	GrossProfit      *big.Int
	FlashLoanPremium *big.Int
	Source           string
	TriggerHash      common.Hash
	BlockNumber      uint64
}

// ArbitrageOpportunity is an immutable candidate trade. All accessors return
// copies so a value handed to the bundle builder can never change underneath it.
type ArbitrageOpportunity struct {
	token0      common.Address
	token1      common.Address
	amount0     *big.Int
	amount1     *big.Int
	fee         uint32
	path        []common.Address
	pools       []common.Address
	routers     []common.Address
	amounts     []*big.Int
	grossProfit *big.Int
	premium     *big.Int
	profit      *big.Int
	source      string
	triggerHash common.Hash
	blockNumber uint64
	detectedAt  time.Time
}

// NewArbitrageOpportunity validates p and returns an opportunity whose expected
// profit is the gross route profit minus the flash loan premium.
func NewArbitrageOpportunity(p OpportunityParams) (*ArbitrageOpportunity, error) {
	if len(p.Path) < 2 {
		return nil, fmt.Errorf("path must contain at least 2 tokens, got %d", len(p.Path))
	}
	hops := len(p.Path) - 1
	if len(p.Pools) != hops || len(p.Routers) != hops {
		return nil, fmt.Errorf("path has %d hops but %d pools and %d routers", hops, len(p.Pools), len(p.Routers))
	}
	if len(p.Amounts) != hops+1 {
		return nil, fmt.Errorf("expected %d amounts, got %d", hops+1, len(p.Amounts))
	}
	if p.Amount0 == nil || p.Amount0.Sign() <= 0 {
		return nil, fmt.Errorf("amount0 must be positive")
	}

	fee := p.Fee
	if fee == 0 {
		fee = DefaultFeeTier
	}

	gross := copyInt(p.GrossProfit)
	premium := copyInt(p.FlashLoanPremium)
	profit := new(big.Int).Sub(gross, premium)

	return &ArbitrageOpportunity{
		token0:      p.Token0,
		token1:      p.Token1,
		amount0:     copyInt(p.Amount0),
		amount1:     copyInt(p.Amount1),
		fee:         fee,
		path:        append([]common.Address(nil), p.Path...),
		pools:       append([]common.Address(nil), p.Pools...),
		routers:     append([]common.Address(nil), p.Routers...),
		amounts:     copyInts(p.Amounts),
		grossProfit: gross,
		premium:     premium,
		profit:      profit,
		source:      p.Source,
		triggerHash: p.TriggerHash,
		blockNumber: p.BlockNumber,
		detectedAt:  time.Now(),
	}, nil
}

func (o *ArbitrageOpportunity) Token0() common.Address { return o.token0 }
func (o *ArbitrageOpportunity) Token1() common.Address { return o.token1 }
func (o *ArbitrageOpportunity) Amount0() *big.Int { return copyInt(o.amount0) }
func (o *ArbitrageOpportunity) Amount1() *big.Int { return copyInt(o.amount1) }
func (o *ArbitrageOpportunity) Fee() uint32 { return o.fee }
func (o *ArbitrageOpportunity) Path() []common.Address { return append([]common.Address(nil), o.path...) }
func (o *ArbitrageOpportunity) Pools() []common.Address { return append([]common.Address(nil), o.pools...) }
func (o *ArbitrageOpportunity) Routers() []common.Address { return append([]common.Address(nil), o.routers...) }
func (o *ArbitrageOpportunity) Amounts() []*big.Int { return copyInts(o.amounts) }
func (o *ArbitrageOpportunity) GrossProfit() *big.Int { return copyInt(o.grossProfit) }
func (o *ArbitrageOpportunity) FlashLoanPremium() *big.Int { return copyInt(o.premium) }
func (o *ArbitrageOpportunity) ExpectedProfit() *big.Int { return copyInt(o.profit) }
func (o *ArbitrageOpportunity) Source() string { return o.source }
func (o *ArbitrageOpportunity) TriggerHash() common.Hash { return o.triggerHash }
func (o *ArbitrageOpportunity) BlockNumber() uint64 { return o.blockNumber }
func (o *ArbitrageOpportunity) DetectedAt() time.Time { return o.detectedAt }
func (o *ArbitrageOpportunity) Hops() int { return len(o.pools) }

// IsCycle reports whether the path starts and ends on the same token, so
// that the expected profit is an amount of that token.
func (o *ArbitrageOpportunity) IsCycle() bool {
	return len(o.path) > 1 && o.path[0] == o.path[len(o.path)-1]
}

// Bundle is the relay-submittable form of an opportunity. It is valid for
// TargetBlock only.
type Bundle struct {
	Payload     []byte
	To          common.Address
	TargetBlock uint64
	Hops        int
	Opportunity *ArbitrageOpportunity
	Hash        uint64
	CreatedAt   time.Time
}

// HashPayload fingerprints a payload for a given target block.
func HashPayload(payload []byte, targetBlock uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], targetBlock)

	d := xxhash.New()
	_, _ = d.Write(payload)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Key is the printable form of Hash, used in logs.
func (b *Bundle) Key() string {
	return fmt.Sprintf("%016x", b.Hash)
}

// BundleStatus tracks a submitted bundle. Included and Replaced are terminal.
type BundleStatus int

const (
	BundleUnknown BundleStatus = iota
	BundlePending
	BundleIncluded
	BundleReplaced
)

func (s BundleStatus) String() string {
	switch s {
	case BundlePending:
		return "pending"
	case BundleIncluded:
		return "included"
	case BundleReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s BundleStatus) Terminal() bool {
	return s == BundleIncluded || s == BundleReplaced
}

// BundleHandle identifies one submission.
type BundleHandle struct {
	ID          string
	TxHash      common.Hash
	TargetBlock uint64
	Bid         *big.Int
	SubmittedAt time.Time
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func copyInts(xs []*big.Int) []*big.Int {
	out := make([]*big.Int, len(xs))
	for i, x := range xs {
		out[i] = copyInt(x)
	}
	return out
}
