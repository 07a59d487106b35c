// Package pools maintains the per-block snapshot of tracked pool reserves and
// the token adjacency graph route search walks.
package pools

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/michaelpento.lv/polyarb/dex"
)

// TradingPair is the reserve state of one tracked pool.
type TradingPair struct {
	Pool     common.Address
	Token0   common.Address
	Token1   common.Address
	Venue    dex.Venue
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
	FeeBps   uint32
	// FeeTier is the V3 fee tier (hundredths of a bip); zero for V2 pairs.
	FeeTier uint32
}

// Other returns the opposite token of the pair, and false if token is not in it.
func (p TradingPair) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.Token0:
		return p.Token1, true
	case p.Token1:
		return p.Token0, true
	default:
		return common.Address{}, false
	}
}

// Oriented returns the reserves with tokenIn's reserve first.
func (p TradingPair) Oriented(tokenIn common.Address) (reserveIn, reserveOut *uint256.Int) {
	if tokenIn == p.Token0 {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// Hop converts the pair into a pricing hop in the direction tokenIn -> other.
func (p TradingPair) Hop(tokenIn common.Address) dex.Hop {
	rIn, rOut := p.Oriented(tokenIn)
	return dex.Hop{ReserveIn: rIn, ReserveOut: rOut, FeeBps: p.FeeBps}
}

// Liquid reports whether both reserves are non-zero.
func (p TradingPair) Liquid() bool {
	return p.Reserve0 != nil && p.Reserve1 != nil && !p.Reserve0.IsZero() && !p.Reserve1.IsZero()
}

// TokenPairGraph maps a token to the pools it trades in. Every key has at
// least one pool and each slice is sorted by address.
type TokenPairGraph map[common.Address][]common.Address

// BuildGraph builds the adjacency graph from pairs. Pairs without liquidity
// are left out.
func BuildGraph(pairs map[common.Address]TradingPair) TokenPairGraph {
	graph := make(TokenPairGraph)
	for addr, pair := range pairs {
		if !pair.Liquid() || pair.Token0 == pair.Token1 {
			continue
		}
		graph[pair.Token0] = append(graph[pair.Token0], addr)
		graph[pair.Token1] = append(graph[pair.Token1], addr)
	}
	for token := range graph {
		SortAddresses(graph[token])
	}
	return graph
}

// SortAddresses sorts in place by byte order.
func SortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

// Snapshot is an immutable view of the index at one block.
type Snapshot struct {
	Block uint64
	Pairs map[common.Address]TradingPair
	Graph TokenPairGraph
}

// Pair returns the tracked pair for a pool address.
func (s *Snapshot) Pair(addr common.Address) (TradingPair, bool) {
	p, ok := s.Pairs[addr]
	return p, ok
}

// Tokens returns all graphed tokens sorted by address.
func (s *Snapshot) Tokens() []common.Address {
	out := make([]common.Address, 0, len(s.Graph))
	for token := range s.Graph {
		out = append(out, token)
	}
	SortAddresses(out)
	return out
}

// PoolsBetween returns the graphed pools trading a against b, sorted.
func (s *Snapshot) PoolsBetween(a, b common.Address) []common.Address {
	var out []common.Address
	for _, addr := range s.Graph[a] {
		if other, _ := s.Pairs[addr].Other(a); other == b {
			out = append(out, addr)
		}
	}
	return out
}

// Index publishes snapshots atomically. Readers never see a half-built graph.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// NewIndex returns an index holding an empty snapshot at block 0.
func NewIndex() *Index {
	idx := &Index{}
	idx.current.Store(&Snapshot{
		Pairs: map[common.Address]TradingPair{},
		Graph: TokenPairGraph{},
	})
	return idx
}

// Load returns the latest published snapshot.
func (i *Index) Load() *Snapshot {
	return i.current.Load()
}

// Publish replaces the snapshot with pairs observed at block. The pairs map
// is owned by the index afterwards.
func (i *Index) Publish(block uint64, pairs map[common.Address]TradingPair) *Snapshot {
	snap := &Snapshot{
		Block: block,
		Pairs: pairs,
		Graph: BuildGraph(pairs),
	}
	i.current.Store(snap)
	return snap
}

// Pair looks a pool up in the current snapshot.
func (i *Index) Pair(addr common.Address) (TradingPair, bool) {
	return i.Load().Pair(addr)
}

// Block returns the block of the current snapshot.
func (i *Index) Block() uint64 {
	return i.Load().Block
}
