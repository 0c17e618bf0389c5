package models

import (
	"time"
)

// Wallet holds a user's cash balance. Created lazily on the first
// financial interaction, never deleted. The available amount is always
// balance_cents - reserved_cents.
type Wallet struct {
	UserID        string `json:"user_id" db:"user_id"`
	BalanceCents  int64  `json:"balance_cents" db:"balance_cents"`
	ReservedCents int64  `json:"reserved_cents" db:"reserved_cents"`
}

// AvailableCents returns the spendable portion of the balance.
func (w *Wallet) AvailableCents() int64 {
	return w.BalanceCents - w.ReservedCents
}

// Ledger entry types.
const (
	LedgerTypeDeposit  = "deposit"
	LedgerTypeWithdraw = "withdraw"
)

// Ledger entry statuses. Entries transition pending -> completed or
// pending -> failed exactly once and are never edited afterwards.
const (
	LedgerStatusPending   = "pending"
	LedgerStatusCompleted = "completed"
	LedgerStatusFailed    = "failed"
)

// LedgerEntry is an immutable record of a user-initiated cash movement.
// Amount is always stored positive; Type carries the intent.
type LedgerEntry struct {
	TxID        string    `json:"tx_id" db:"tx_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AmountCents int64     `json:"amount_cents" db:"amount_cents"`
	Type        string    `json:"type" db:"type"`
	Ref         string    `json:"ref,omitempty" db:"ref"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// IsTerminal reports whether the entry has reached a final status.
func (e *LedgerEntry) IsTerminal() bool {
	return e.Status == LedgerStatusCompleted || e.Status == LedgerStatusFailed
}
