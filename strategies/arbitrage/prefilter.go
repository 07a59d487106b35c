package arbitrage

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/michaelpento.lv/polyarb/dex"
	"github.com/michaelpento.lv/polyarb/pools"
)

// DefaultMinPayloadLen is the calldata length at or below which a pending
// transaction cannot be a swap worth following.
const DefaultMinPayloadLen = 100

// DefaultMinPriceDivergence is the relative spot price gap between two pools
// of the same pair that makes the pair worth a block-time search.
const DefaultMinPriceDivergence = 0.01

// tokenPair is a directed search request. In == Out asks for a cycle.
type tokenPair struct {
	In  common.Address
	Out common.Address
}

type pairSet map[tokenPair]struct{}

func (s pairSet) add(in, out common.Address) {
	s[tokenPair{In: in, Out: out}] = struct{}{}
}

func (s pairSet) both(a, b common.Address) {
	s.add(a, b)
	s.add(b, a)
}

// sorted returns the pairs in a stable order so the search result is
// independent of map iteration.
func (s pairSet) sorted() []tokenPair {
	out := make([]tokenPair, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].In[:], out[j].In[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Out[:], out[j].Out[:]) < 0
	})
	return out
}

// passesPrefilter is the cheap check run before any decoding: the payload
// must be long enough and the destination must be a tracked router or pool.
func passesPrefilter(tx *types.Transaction, minPayloadLen int, snap *pools.Snapshot) bool {
	if tx == nil || tx.To() == nil {
		return false
	}
	if len(tx.Data()) <= minPayloadLen {
		return false
	}
	to := *tx.To()
	if _, ok := dex.VenueForRouter(to); ok {
		return true
	}
	_, ok := snap.Pair(to)
	return ok
}

// pendingPairs derives the search requests for a pending transaction: both
// directions of every adjacent pair in the swap path and a cycle through
// every token on it. A transaction sent straight to a pool uses that pool's
// tokens as the path.
func (e *Evaluator) pendingPairs(tx *types.Transaction, snap *pools.Snapshot) []tokenPair {
	var path []common.Address
	if pair, ok := snap.Pair(*tx.To()); ok {
		path = []common.Address{pair.Token0, pair.Token1}
	} else {
		decoded, err := e.decoder.DecodeSwapPath(tx.Data())
		if err != nil {
			return nil
		}
		path = decoded
	}

	set := make(pairSet)
	for i := 0; i+1 < len(path); i++ {
		if path[i] == path[i+1] {
			continue
		}
		set.both(path[i], path[i+1])
	}
	for _, token := range path {
		set.add(token, token)
	}
	return set.sorted()
}

// blockPairs derives the search requests for a new block: every token pair
// quoted by two or more pools whose spot prices diverge by more than the
// threshold, plus a cycle through each configured base token.
func (e *Evaluator) blockPairs(snap *pools.Snapshot) []tokenPair {
	set := make(pairSet)

	for _, a := range snap.Tokens() {
		for _, b := range neighbours(a, snap) {
			// visit each unordered pair once
			if bytes.Compare(a[:], b[:]) >= 0 {
				continue
			}
			if e.diverges(a, b, snap) {
				set.both(a, b)
				set.add(a, a)
				set.add(b, b)
			}
		}
	}
	for _, base := range e.cfg.BaseTokens {
		if _, ok := snap.Graph[base]; ok {
			set.add(base, base)
		}
	}
	return set.sorted()
}

func (e *Evaluator) diverges(a, b common.Address, snap *pools.Snapshot) bool {
	addrs := snap.PoolsBetween(a, b)
	if len(addrs) < 2 {
		return false
	}
	for i := 0; i < len(addrs); i++ {
		pi := snap.Pairs[addrs[i]]
		inI, outI := pi.Oriented(a)
		priceI := dex.SpotPrice(inI, outI)
		for j := i + 1; j < len(addrs); j++ {
			pj := snap.Pairs[addrs[j]]
			inJ, outJ := pj.Oriented(a)
			if dex.PriceDivergence(priceI, dex.SpotPrice(inJ, outJ)) > e.cfg.MinPriceDivergence {
				return true
			}
		}
	}
	return false
}

// neighbours returns the distinct tokens sharing a pool with token, sorted.
func neighbours(token common.Address, snap *pools.Snapshot) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, addr := range snap.Graph[token] {
		other, ok := snap.Pairs[addr].Other(token)
		if !ok {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
	}
	pools.SortAddresses(out)
	return out
}
