package flashloan

import (
	"context"
	"math/big"
)

// Provider quotes the fee charged for borrowing an amount in one transaction.
type Provider interface {
	// Name is the metrics label and log name.
	Name() string
	// Premium returns the fee owed on amount, in the borrowed token's units.
	Premium(amount *big.Int) *big.Int
	// Refresh re-reads the fee from chain.
	Refresh(ctx context.Context) error
}
