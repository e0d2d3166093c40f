package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger transaction kinds.
const (
	KindDeposit     = "deposit"
	KindReservation = "reservation"
	KindCharge      = "charge"
	KindRefund      = "refund"
)

// Ledger transaction statuses.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
)

// SettleOutcome resolves a held reservation.
type SettleOutcome string

// Settlement outcomes.
const (
	SettleCharge SettleOutcome = "charge"
	SettleRefund SettleOutcome = "refund"
)

// LedgerTransaction is an append-only wallet record. Amount is always
// positive; its effect on the balance follows from Kind.
type LedgerTransaction struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	OccasionID   *int64          `json:"occasion_id,omitempty"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	SettlesID    *int64          `json:"settles_id,omitempty"`
	ExternalRef  string          `json:"external_ref,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
}

// WalletSummary is a consistent snapshot of a user's wallet.
type WalletSummary struct {
	UserID             int64           `json:"user_id"`
	Balance            decimal.Decimal `json:"balance"`
	AvailableBalance   decimal.Decimal `json:"available_balance"`
	PendingReserved    decimal.Decimal `json:"pending_reserved"`
	PendingReservation int             `json:"pending_reservations"`
}
