package types

import "errors"

// Pricing and routing. Local to a single evaluation.
var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNoLiquidityPath       = errors.New("no liquidity path")
)

// Block targeting.
var (
	ErrStaleTarget        = errors.New("stale target block")
	ErrTargetTooFarOrPast = errors.New("target block too far ahead or already past")
)

// Network and relay.
var (
	ErrNetworkFailure     = errors.New("network failure")
	ErrSubmissionRejected = errors.New("submission rejected by relay")
	ErrReceiptMissing     = errors.New("transaction mined but receipt missing")
)
