package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/model"
)

// The wallet uses a soft hold: a reservation leaves balance untouched and only
// lowers the available balance. Money leaves the wallet when a charge settles
// the reservation; a refund of a held reservation just releases the hold, and
// a refund of a charge credits the balance back.

const ledgerColumns = `id, user_id, occasion_id, kind, status, amount, balance_after,
	settles_id, external_ref, created_at, settled_at`

func scanLedgerTransaction(s scanner) (*model.LedgerTransaction, error) {
	lt := &model.LedgerTransaction{}
	var externalRef sql.NullString
	err := s.Scan(&lt.ID, &lt.UserID, &lt.OccasionID, &lt.Kind, &lt.Status, &lt.Amount, &lt.BalanceAfter,
		&lt.SettlesID, &externalRef, &lt.CreatedAt, &lt.SettledAt)
	if err != nil {
		return nil, err
	}
	lt.ExternalRef = externalRef.String
	return lt, nil
}

func getLedgerTransaction(ctx context.Context, q querier, id int64) (*model.LedgerTransaction, error) {
	lt, err := scanLedgerTransaction(q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting ledger transaction: %w", err)
	}
	return lt, nil
}

// GetLedgerTransaction returns a ledger transaction by ID.
func GetLedgerTransaction(ctx context.Context, db *sql.DB, id int64) (*model.LedgerTransaction, error) {
	return getLedgerTransaction(ctx, db, id)
}

// ListTransactions returns a user's ledger, newest first.
func ListTransactions(ctx context.Context, db *sql.DB, userID int64) ([]model.LedgerTransaction, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions WHERE user_id = ? ORDER BY id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.LedgerTransaction
	for rows.Next() {
		lt, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		txs = append(txs, *lt)
	}
	return txs, rows.Err()
}

// walletBalance reads the balance, creating an empty wallet on first use.
func walletBalance(ctx context.Context, q querier, userID int64) (decimal.Decimal, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallets (user_id) VALUES (?)`, userID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("creating wallet: %w", err)
	}

	var balance decimal.Decimal
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ?`, userID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading wallet balance: %w", err)
	}
	return balance, nil
}

func setWalletBalance(ctx context.Context, q querier, userID int64, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("wallet balance would become negative: %s", balance)
	}
	_, err := q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE user_id = ?`,
		balance.String(), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("updating wallet balance: %w", err)
	}
	return nil
}

// pendingReservations sums the user's pending holds.
func pendingReservations(ctx context.Context, q querier, userID int64) (decimal.Decimal, int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT amount FROM ledger_transactions
		 WHERE user_id = ? AND kind = 'reservation' AND status = 'pending'`, userID,
	)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("listing pending reservations: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	count := 0
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, 0, fmt.Errorf("scanning reservation: %w", err)
		}
		total = total.Add(amount)
		count++
	}
	return total, count, rows.Err()
}

func walletSummary(ctx context.Context, q querier, userID int64) (*model.WalletSummary, error) {
	balance, err := walletBalance(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	pending, count, err := pendingReservations(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	return &model.WalletSummary{
		UserID:             userID,
		Balance:            balance,
		AvailableBalance:   balance.Sub(pending),
		PendingReserved:    pending,
		PendingReservation: count,
	}, nil
}

// GetWalletSummary returns balance, available balance and pending holds read
// in one transaction.
func GetWalletSummary(ctx context.Context, db *sql.DB, userID int64) (*model.WalletSummary, error) {
	var summary *model.WalletSummary
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		summary, err = walletSummary(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GetAvailableBalance returns balance minus pending reservations.
func GetAvailableBalance(ctx context.Context, db *sql.DB, userID int64) (decimal.Decimal, error) {
	summary, err := GetWalletSummary(ctx, db, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return summary.AvailableBalance, nil
}

// Balances reads available balances for eligibility checks.
type Balances struct {
	DB *sql.DB
}

// AvailableBalance implements eligibility.BalanceReader.
func (b Balances) AvailableBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return GetAvailableBalance(ctx, b.DB, userID)
}

// Deposit credits a wallet. A non-empty externalRef (for example a checkout
// session id) makes the deposit idempotent per wallet: repeating it returns
// the original transaction. A reference already used by another user fails
// with model.ErrReferenceInUse.
func Deposit(ctx context.Context, db *sql.DB, userID int64, amount decimal.Decimal, externalRef string) (*model.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive")
	}

	var txID int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		if externalRef != "" {
			var owner int64
			err := tx.QueryRowContext(ctx,
				`SELECT id, user_id FROM ledger_transactions
				 WHERE kind = 'deposit' AND external_ref = ?
				 ORDER BY user_id = ? DESC, id LIMIT 1`, externalRef, userID,
			).Scan(&txID, &owner)
			switch {
			case err == sql.ErrNoRows:
			case err != nil:
				return fmt.Errorf("checking deposit reference: %w", err)
			case owner != userID:
				return fmt.Errorf("deposit reference %q: %w", externalRef, model.ErrReferenceInUse)
			default:
				return nil
			}
		}

		balance, err := walletBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = balance.Add(amount)
		if err := setWalletBalance(ctx, tx, userID, balance); err != nil {
			return err
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_transactions (user_id, kind, status, amount, balance_after, external_ref, created_at, settled_at)
			 VALUES (?, 'deposit', 'completed', ?, ?, ?, ?, ?)`,
			userID, amount.String(), balance.String(), nullString(externalRef), now, now,
		)
		if err != nil {
			return fmt.Errorf("recording deposit: %w", err)
		}
		txID, _ = result.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return GetLedgerTransaction(ctx, db, txID)
}

// pendingReservationFor returns the occasion's pending hold, if any.
func pendingReservationFor(ctx context.Context, q querier, occasionID int64) (*model.LedgerTransaction, error) {
	lt, err := scanLedgerTransaction(q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions
		 WHERE occasion_id = ? AND kind = 'reservation' AND status = 'pending'`, occasionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pending reservation: %w", err)
	}
	return lt, nil
}

// unrefundedChargeFor returns the occasion's most recent charge that has not
// been refunded yet, if any.
func unrefundedChargeFor(ctx context.Context, q querier, occasionID int64) (*model.LedgerTransaction, error) {
	lt, err := scanLedgerTransaction(q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions c
		 WHERE c.occasion_id = ? AND c.kind = 'charge'
		   AND NOT EXISTS (SELECT 1 FROM ledger_transactions r WHERE r.settles_id = c.id)
		 ORDER BY c.id DESC LIMIT 1`, occasionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting charge: %w", err)
	}
	return lt, nil
}

// reserve places a hold for an occasion. It returns the existing hold when one
// is already pending, so calling it twice never creates two holds.
func reserve(ctx context.Context, tx *sql.Tx, userID, occasionID int64, amount decimal.Decimal) (*model.LedgerTransaction, error) {
	o, err := getOccasion(ctx, tx, occasionID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.UserID != userID {
		return nil, fmt.Errorf("occasion %d: %w", occasionID, model.ErrNotFound)
	}

	existing, err := pendingReservationFor(ctx, tx, occasionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("reservation amount must be positive")
	}

	summary, err := walletSummary(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(summary.AvailableBalance) {
		return nil, &model.InsufficientFundsError{Available: summary.AvailableBalance, Required: amount}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (user_id, occasion_id, kind, status, amount, balance_after, created_at)
		 VALUES (?, ?, 'reservation', 'pending', ?, ?, ?)`,
		userID, occasionID, amount.String(), summary.Balance.String(), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("recording reservation: %w", err)
	}
	id, _ := result.LastInsertId()

	_, err = tx.ExecContext(ctx,
		`UPDATE occasions SET wallet_reserved = 1, reservation_amount = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		amount.String(), time.Now().UTC(), occasionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("marking occasion reserved: %w", err)
	}

	return getLedgerTransaction(ctx, tx, id)
}

// Reserve holds amount against the user's available balance for an occasion
// and returns the hold's transaction ID. It fails with
// *model.InsufficientFundsError when amount exceeds the available balance.
func Reserve(ctx context.Context, db *sql.DB, userID, occasionID int64, amount decimal.Decimal) (int64, error) {
	var id int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		lt, err := reserve(ctx, tx, userID, occasionID, amount)
		if err != nil {
			return err
		}
		id = lt.ID
		return nil
	})
	return id, err
}

// settle resolves a pending reservation into a charge or refund, or refunds a
// completed charge. Settling an already settled transaction returns the
// existing settlement.
func settle(ctx context.Context, tx *sql.Tx, txID int64, outcome model.SettleOutcome) (*model.LedgerTransaction, error) {
	target, err := getLedgerTransaction(ctx, tx, txID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("ledger transaction %d: %w", txID, model.ErrNotFound)
	}

	existing, err := scanLedgerTransaction(tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions WHERE settles_id = ?`, txID,
	))
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("checking settlement: %w", err)
	}

	balance, err := walletBalance(ctx, tx, target.UserID)
	if err != nil {
		return nil, err
	}

	var kind string
	switch {
	case target.Kind == model.KindReservation && target.Status == model.TxPending && outcome == model.SettleCharge:
		kind = model.KindCharge
		balance = balance.Sub(target.Amount)
	case target.Kind == model.KindReservation && target.Status == model.TxPending && outcome == model.SettleRefund:
		kind = model.KindRefund
	case target.Kind == model.KindCharge && outcome == model.SettleRefund:
		kind = model.KindRefund
		balance = balance.Add(target.Amount)
	default:
		return nil, fmt.Errorf("cannot settle %s %s transaction %d as %s", target.Status, target.Kind, txID, outcome)
	}

	if err := setWalletBalance(ctx, tx, target.UserID, balance); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if target.Kind == model.KindReservation {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger_transactions SET status = 'completed', settled_at = ? WHERE id = ?`, now, txID,
		); err != nil {
			return nil, fmt.Errorf("completing reservation: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (user_id, occasion_id, kind, status, amount, balance_after, settles_id, created_at, settled_at)
		 VALUES (?, ?, ?, 'completed', ?, ?, ?, ?, ?)`,
		target.UserID, target.OccasionID, kind, target.Amount.String(), balance.String(), txID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", kind, err)
	}
	id, _ := result.LastInsertId()

	return getLedgerTransaction(ctx, tx, id)
}

// Settle resolves a ledger transaction. See settle.
func Settle(ctx context.Context, db *sql.DB, txID int64, outcome model.SettleOutcome) (*model.LedgerTransaction, error) {
	var lt *model.LedgerTransaction
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		lt, err = settle(ctx, tx, txID, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lt, nil
}
