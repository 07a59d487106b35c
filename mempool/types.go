package mempool

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TriggerKind says what woke the engine up.
type TriggerKind int

const (
	PendingTx TriggerKind = iota + 1
	NewBlock
)

func (k TriggerKind) String() string {
	switch k {
	case PendingTx:
		return "pending_tx"
	case NewBlock:
		return "new_block"
	default:
		return "unknown"
	}
}

// Trigger is one unit of work for the orchestrator.
type Trigger struct {
	Kind TriggerKind
	// Tx is set for PendingTx triggers.
	Tx *types.Transaction
	// Block is the new head for NewBlock triggers, and the head the
	// transaction was seen at for PendingTx triggers.
	Block      uint64
	ReceivedAt time.Time
}

// Hash returns the pending transaction hash, or the zero hash for block triggers.
func (t Trigger) Hash() common.Hash {
	if t.Tx == nil {
		return common.Hash{}
	}
	return t.Tx.Hash()
}

// NewPendingTrigger wraps a pending transaction.
func NewPendingTrigger(tx *types.Transaction, block uint64) Trigger {
	return Trigger{Kind: PendingTx, Tx: tx, Block: block, ReceivedAt: time.Now()}
}

// NewBlockTrigger announces a new head.
func NewBlockTrigger(block uint64) Trigger {
	return Trigger{Kind: NewBlock, Block: block, ReceivedAt: time.Now()}
}
