package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/model"
)

const occasionColumns = `o.id, o.recipient_id, o.user_id, o.occasion_type, o.occasion_date, o.automation_enabled,
	o.status, o.resume_status, o.last_error, o.budget, o.wallet_reserved, o.reservation_amount, o.charged_amount,
	o.gift_reference, o.gift_description, o.address_requested_at, o.address_confirmed_at, o.gift_confirmed_at,
	o.external_order_id, o.tracking_number, o.delivery_date, o.created_at, o.updated_at, r.name`

const occasionFrom = ` FROM occasions o JOIN recipients r ON r.id = o.recipient_id`

func scanOccasion(s scanner) (*model.Occasion, error) {
	o := &model.Occasion{}
	var resume, lastErr, giftRef, giftDesc, orderID, tracking sql.NullString
	var charged decimal.NullDecimal
	err := s.Scan(&o.ID, &o.RecipientID, &o.UserID, &o.Type, &o.Date, &o.AutomationEnabled,
		&o.Status, &resume, &lastErr, &o.Budget, &o.WalletReserved, &o.ReservationAmount, &charged,
		&giftRef, &giftDesc, &o.AddressRequestedAt, &o.AddressConfirmedAt, &o.GiftConfirmedAt,
		&orderID, &tracking, &o.DeliveryDate, &o.CreatedAt, &o.UpdatedAt, &o.RecipientName)
	if err != nil {
		return nil, err
	}
	o.ResumeStatus = model.OccasionStatus(resume.String)
	o.LastError = lastErr.String
	if charged.Valid {
		o.ChargedAmount = &charged.Decimal
	}
	o.GiftReference = giftRef.String
	o.GiftDescription = giftDesc.String
	o.ExternalOrderID = orderID.String
	o.TrackingNumber = tracking.String
	return o, nil
}

func scanOccasions(rows *sql.Rows) ([]model.Occasion, error) {
	var occasions []model.Occasion
	for rows.Next() {
		o, err := scanOccasion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning occasion: %w", err)
		}
		occasions = append(occasions, *o)
	}
	return occasions, rows.Err()
}

func getOccasion(ctx context.Context, q querier, id int64) (*model.Occasion, error) {
	o, err := scanOccasion(q.QueryRowContext(ctx,
		`SELECT `+occasionColumns+occasionFrom+` WHERE o.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting occasion: %w", err)
	}
	return o, nil
}

// mustGetOccasion loads an occasion, optionally scoped to its owner
// (userID 0 skips the ownership check). Missing rows yield model.ErrNotFound.
func mustGetOccasion(ctx context.Context, q querier, userID, id int64) (*model.Occasion, error) {
	o, err := getOccasion(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if o == nil || (userID != 0 && o.UserID != userID) {
		return nil, fmt.Errorf("occasion %d: %w", id, model.ErrNotFound)
	}
	return o, nil
}

// GetOccasion returns an occasion by ID.
func GetOccasion(ctx context.Context, db *sql.DB, id int64) (*model.Occasion, error) {
	return getOccasion(ctx, db, id)
}

// GetOccasionForUser returns the occasion if the user owns it, nil otherwise.
func GetOccasionForUser(ctx context.Context, db *sql.DB, userID, id int64) (*model.Occasion, error) {
	o, err := getOccasion(ctx, db, id)
	if err != nil || o == nil || o.UserID != userID {
		return nil, err
	}
	return o, nil
}

func getOccasionByOrder(ctx context.Context, q querier, externalOrderID string) (*model.Occasion, error) {
	o, err := scanOccasion(q.QueryRowContext(ctx,
		`SELECT `+occasionColumns+occasionFrom+` WHERE o.external_order_id = ?`, externalOrderID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting occasion by order: %w", err)
	}
	return o, nil
}

// GetOccasionByOrder returns the occasion linked to an external order, if any.
func GetOccasionByOrder(ctx context.Context, db *sql.DB, externalOrderID string) (*model.Occasion, error) {
	return getOccasionByOrder(ctx, db, externalOrderID)
}

// ListOccasions returns the user's occasions ordered by date.
func ListOccasions(ctx context.Context, db *sql.DB, userID int64) ([]model.Occasion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+occasionColumns+occasionFrom+` WHERE o.user_id = ? ORDER BY o.occasion_date, o.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing occasions: %w", err)
	}
	defer rows.Close()
	return scanOccasions(rows)
}

// ListRecipientOccasions returns a recipient's occasions ordered by date.
func ListRecipientOccasions(ctx context.Context, db *sql.DB, userID, recipientID int64) ([]model.Occasion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+occasionColumns+occasionFrom+`
		 WHERE o.user_id = ? AND o.recipient_id = ? ORDER BY o.occasion_date, o.id`, userID, recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recipient occasions: %w", err)
	}
	defer rows.Close()
	return scanOccasions(rows)
}

// ListAutomatedOccasions returns every automation-enabled occasion that has
// not reached a terminal state, across all users, ordered by date.
func ListAutomatedOccasions(ctx context.Context, db *sql.DB) ([]model.Occasion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+occasionColumns+occasionFrom+`
		 WHERE o.automation_enabled = 1 AND o.status NOT IN ('delivered', 'cancelled')
		   AND r.deleted_at IS NULL
		 ORDER BY o.occasion_date, o.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing automated occasions: %w", err)
	}
	defer rows.Close()
	return scanOccasions(rows)
}

// ListOccasionHistory returns the occasion's transition audit, oldest first.
func ListOccasionHistory(ctx context.Context, db *sql.DB, occasionID int64) ([]model.OccasionTransition, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, occasion_id, from_status, to_status, reason, created_at
		 FROM occasion_transitions WHERE occasion_id = ? ORDER BY id`, occasionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing occasion history: %w", err)
	}
	defer rows.Close()

	var history []model.OccasionTransition
	for rows.Next() {
		var t model.OccasionTransition
		if err := rows.Scan(&t.ID, &t.OccasionID, &t.From, &t.To, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		history = append(history, t)
	}
	return history, rows.Err()
}

func insertOccasion(ctx context.Context, q querier, o *model.Occasion) (int64, error) {
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx,
		`INSERT INTO occasions (recipient_id, user_id, occasion_type, occasion_date, automation_enabled,
		     status, budget, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		o.RecipientID, o.UserID, o.Type, model.Day(o.Date), o.AutomationEnabled, o.Budget.String(), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("creating occasion: %w", err)
	}
	return result.LastInsertId()
}

// CreateOccasion schedules an occasion for one of the user's recipients.
func CreateOccasion(ctx context.Context, db *sql.DB, o *model.Occasion) (*model.Occasion, error) {
	if !model.ValidOccasionType(o.Type) {
		return nil, fmt.Errorf("invalid occasion type %q", o.Type)
	}
	if o.Budget.IsNegative() {
		return nil, fmt.Errorf("budget must not be negative")
	}

	var id int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		r, err := getRecipient(ctx, tx, o.UserID, o.RecipientID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("recipient %d: %w", o.RecipientID, model.ErrNotFound)
		}
		id, err = insertOccasion(ctx, tx, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// EnsureUpcomingOccasions creates the next birthday and anniversary occasions
// for a recipient when none is scheduled on or after now. It returns the
// recipient's open occasions from now on.
func EnsureUpcomingOccasions(ctx context.Context, db *sql.DB, userID, recipientID int64, now time.Time, budget decimal.Decimal) ([]model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		r, err := getRecipient(ctx, tx, userID, recipientID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("recipient %d: %w", recipientID, model.ErrNotFound)
		}

		dates := map[string]*time.Time{
			model.OccasionBirthday:    r.Birthday,
			model.OccasionAnniversary: r.Anniversary,
		}
		for kind, date := range dates {
			if date == nil {
				continue
			}
			var exists bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM occasions
				 WHERE recipient_id = ? AND occasion_type = ? AND occasion_date >= ?
				   AND status NOT IN ('delivered', 'cancelled'))`,
				recipientID, kind, model.Day(now),
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("checking upcoming %s: %w", kind, err)
			}
			if exists {
				continue
			}
			_, err = insertOccasion(ctx, tx, &model.Occasion{
				RecipientID: recipientID,
				UserID:      userID,
				Type:        kind,
				Date:        model.NextOccurrence(*date, now),
				Budget:      budget,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	all, err := ListRecipientOccasions(ctx, db, userID, recipientID)
	if err != nil {
		return nil, err
	}
	today := model.Day(now)
	var upcoming []model.Occasion
	for _, o := range all {
		if !o.Status.Terminal() && !o.Date.Before(today) {
			upcoming = append(upcoming, o)
		}
	}
	return upcoming, nil
}

// UpdateOccasionAutomation sets the automation flag and, when budget is
// non-nil, the budget. Money state is never touched: disabling automation does
// not release an existing hold.
func UpdateOccasionAutomation(ctx context.Context, db *sql.DB, userID, id int64, enabled bool, budget *decimal.Decimal) (*model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := mustGetOccasion(ctx, tx, userID, id); err != nil {
			return err
		}
		if budget != nil {
			if budget.IsNegative() {
				return fmt.Errorf("budget must not be negative")
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE occasions SET automation_enabled = ?, budget = ?, updated_at = ? WHERE id = ?`,
				enabled, budget.String(), time.Now().UTC(), id,
			)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE occasions SET automation_enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, time.Now().UTC(), id,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating occasion automation: %w", err)
	}
	return GetOccasion(ctx, db, id)
}

// transition validates and applies a status change and records it in the
// audit table. The UPDATE is guarded on the expected current status.
func transition(ctx context.Context, q querier, o *model.Occasion, to model.OccasionStatus, reason string) error {
	if err := model.Transition(o.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx,
		`UPDATE occasions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, o.ID, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("updating occasion status: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return fmt.Errorf("occasion %d is no longer %s", o.ID, o.Status)
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO occasion_transitions (occasion_id, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.ID, string(o.Status), string(to), reason, now,
	); err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	o.Status = to
	return nil
}

// ReserveOccasion moves a pending occasion to funds_reserved: it holds the
// gift price in the wallet and records the selected gift, atomically. Calling
// it on an occasion that already holds funds returns the existing hold.
// Insufficient funds leave the occasion pending.
func ReserveOccasion(ctx context.Context, db *sql.DB, id int64, gift model.CatalogItem, reason string) (*model.Occasion, *model.LedgerTransaction, error) {
	var hold *model.LedgerTransaction
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, 0, id)
		if err != nil {
			return err
		}

		if o.Status != model.StatusPending {
			existing, err := pendingReservationFor(ctx, tx, id)
			if err != nil {
				return err
			}
			if existing != nil {
				hold = existing
				return nil
			}
			return model.Transition(o.Status, model.StatusFundsReserved)
		}

		hold, err = reserve(ctx, tx, o.UserID, o.ID, gift.Price)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE occasions SET gift_reference = ?, gift_description = ?, resume_status = NULL, last_error = NULL
			 WHERE id = ?`,
			gift.ID, gift.Name, id,
		); err != nil {
			return fmt.Errorf("recording gift: %w", err)
		}

		return transition(ctx, tx, o, model.StatusFundsReserved, reason)
	})
	if err != nil {
		return nil, nil, err
	}

	o, err := GetOccasion(ctx, db, id)
	return o, hold, err
}

// MarkAddressRequested moves a funds_reserved occasion to address_requested.
func MarkAddressRequested(ctx context.Context, db *sql.DB, id int64, now time.Time) (*model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, 0, id)
		if err != nil {
			return err
		}
		if err := transition(ctx, tx, o, model.StatusAddressRequested, "address missing"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE occasions SET address_requested_at = ? WHERE id = ?`, now.UTC(), id,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// confirmable reports whether an occasion in status s can move to
// address_confirmed, and whether it needs to.
func confirmable(s model.OccasionStatus) (needsTransition bool, err error) {
	switch s {
	case model.StatusFundsReserved, model.StatusAddressRequested:
		return true, nil
	case model.StatusAddressConfirmed:
		return false, nil
	}
	return false, model.Transition(s, model.StatusAddressConfirmed)
}

// ConfirmAddress stores the recipient's shipping address and moves the
// occasion to address_confirmed.
func ConfirmAddress(ctx context.Context, db *sql.DB, userID, id int64, addr model.Address, now time.Time) (*model.Occasion, error) {
	if !addr.Complete() {
		return nil, fmt.Errorf("address is incomplete")
	}

	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		needsTransition, err := confirmable(o.Status)
		if err != nil {
			return err
		}

		if err := updateRecipientAddress(ctx, tx, userID, o.RecipientID, addr); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE occasions SET address_confirmed_at = ? WHERE id = ?`, now.UTC(), id,
		); err != nil {
			return fmt.Errorf("confirming address: %w", err)
		}
		if needsTransition {
			return transition(ctx, tx, o, model.StatusAddressConfirmed, "address confirmed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// ConfirmGift records the user's approval of the selected gift. When the
// recipient's address is already complete the same operation confirms the
// address and moves the occasion to address_confirmed.
func ConfirmGift(ctx context.Context, db *sql.DB, userID, id int64, now time.Time) (*model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		needsTransition, err := confirmable(o.Status)
		if err != nil {
			return err
		}

		r, err := getRecipient(ctx, tx, userID, o.RecipientID)
		if err != nil {
			return err
		}
		complete := r != nil && r.Address.Complete()

		if complete {
			_, err = tx.ExecContext(ctx,
				`UPDATE occasions SET gift_confirmed_at = ?, address_confirmed_at = COALESCE(address_confirmed_at, ?)
				 WHERE id = ?`, now.UTC(), now.UTC(), id,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE occasions SET gift_confirmed_at = ? WHERE id = ?`, now.UTC(), id,
			)
		}
		if err != nil {
			return fmt.Errorf("confirming gift: %w", err)
		}

		if complete && needsTransition {
			return transition(ctx, tx, o, model.StatusAddressConfirmed, "gift confirmed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// chargeOccasion turns the occasion's pending hold into a charge.
func chargeOccasion(ctx context.Context, tx *sql.Tx, o *model.Occasion) (*model.LedgerTransaction, error) {
	hold, err := pendingReservationFor(ctx, tx, o.ID)
	if err != nil || hold == nil {
		return nil, err
	}
	charge, err := settle(ctx, tx, hold.ID, model.SettleCharge)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE occasions SET charged_amount = ?, wallet_reserved = 0 WHERE id = ?`,
		charge.Amount.String(), o.ID,
	); err != nil {
		return nil, fmt.Errorf("recording charge on occasion: %w", err)
	}
	return charge, nil
}

// RecordOrderPlaced links the external order to the occasion and moves it to
// ordered. With charge set, the held reservation is settled as a charge in
// the same transaction. If a cancellation for the order arrived first, the
// occasion goes straight through the cancel path and comes back pending.
func RecordOrderPlaced(ctx context.Context, db *sql.DB, id int64, externalOrderID string, charge bool) (*model.Occasion, error) {
	if externalOrderID == "" {
		return nil, fmt.Errorf("external order id required")
	}

	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, 0, id)
		if err != nil {
			return err
		}
		if o.Status == model.StatusOrdered && o.ExternalOrderID == externalOrderID {
			return nil
		}
		if err := transition(ctx, tx, o, model.StatusOrdered, "order placed"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE occasions SET external_order_id = ?, resume_status = NULL, last_error = NULL WHERE id = ?`,
			externalOrderID, id,
		); err != nil {
			return fmt.Errorf("recording order: %w", err)
		}

		reason, cancelled, err := takeCancelledOrder(ctx, tx, externalOrderID)
		if err != nil {
			return err
		}
		if cancelled {
			// The platform cancelled the order before we recorded it. The
			// hold is released, never charged.
			_, err = cancelOccasion(ctx, tx, o, reason)
			return err
		}

		if charge {
			_, err = chargeOccasion(ctx, tx, o)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// RecordOccasionError moves the occasion to error, remembering the stage to
// resume. The held reservation is left intact.
func RecordOccasionError(ctx context.Context, db *sql.DB, id int64, cause string) (*model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, 0, id)
		if err != nil {
			return err
		}
		if o.Status == model.StatusError {
			_, err = tx.ExecContext(ctx,
				`UPDATE occasions SET last_error = ?, updated_at = ? WHERE id = ?`, cause, time.Now().UTC(), id,
			)
			return err
		}
		resume := o.Status
		if err := transition(ctx, tx, o, model.StatusError, cause); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE occasions SET resume_status = ?, last_error = ? WHERE id = ?`, string(resume), cause, id,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// ResumeOccasion moves an errored occasion back to the stage that failed.
// userID 0 skips the ownership check (scheduler retries).
func ResumeOccasion(ctx context.Context, db *sql.DB, userID, id int64, reason string) (*model.Occasion, error) {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := mustGetOccasion(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if o.Status != model.StatusError {
			return &model.TransitionError{From: o.Status, To: o.ResumeStatus}
		}
		to := o.ResumeStatus
		if !to.Valid() {
			to = model.StatusPending
		}
		if err := transition(ctx, tx, o, to, reason); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE occasions SET resume_status = NULL, last_error = NULL WHERE id = ?`, id,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetOccasion(ctx, db, id)
}

// scheduleNext creates next year's occasion for a recurring occasion type.
func scheduleNext(ctx context.Context, tx *sql.Tx, o *model.Occasion) (int64, error) {
	if o.Type != model.OccasionBirthday && o.Type != model.OccasionAnniversary {
		return 0, nil
	}
	next := model.NextOccurrence(o.Date, o.Date.AddDate(0, 0, 1))

	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM occasions WHERE recipient_id = ? AND occasion_type = ? AND occasion_date = ?)`,
		o.RecipientID, o.Type, next,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("checking next occasion: %w", err)
	}
	if exists {
		return 0, nil
	}

	return insertOccasion(ctx, tx, &model.Occasion{
		RecipientID:       o.RecipientID,
		UserID:            o.UserID,
		Type:              o.Type,
		Date:              next,
		AutomationEnabled: o.AutomationEnabled,
		Budget:            o.Budget,
	})
}

// FulfillOrder reconciles a fulfilled notification: it records tracking,
// charges the hold if it was not charged at order time, moves the occasion
// to delivered and schedules the next occurrence. Unknown or already
// delivered orders yield model.ErrDuplicateEvent.
func FulfillOrder(ctx context.Context, db *sql.DB, externalOrderID, tracking string, now time.Time) (delivered, next *model.Occasion, err error) {
	var id, nextID int64
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := getOccasionByOrder(ctx, tx, externalOrderID)
		if err != nil {
			return err
		}
		if o == nil || o.Status == model.StatusDelivered {
			return model.ErrDuplicateEvent
		}
		id = o.ID

		if err := transition(ctx, tx, o, model.StatusDelivered, "order fulfilled"); err != nil {
			return err
		}
		if o.ChargedAmount == nil {
			if _, err := chargeOccasion(ctx, tx, o); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE occasions SET tracking_number = ?, delivery_date = ? WHERE id = ?`,
			nullString(tracking), model.Day(now), id,
		); err != nil {
			return fmt.Errorf("recording delivery: %w", err)
		}

		nextID, err = scheduleNext(ctx, tx, o)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if delivered, err = GetOccasion(ctx, db, id); err != nil {
		return nil, nil, err
	}
	if nextID != 0 {
		if next, err = GetOccasion(ctx, db, nextID); err != nil {
			return nil, nil, err
		}
	}
	return delivered, next, nil
}

// CountOccasionCancellations returns how many orders for the occasion were
// cancelled.
func CountOccasionCancellations(ctx context.Context, db *sql.DB, occasionID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occasion_transitions WHERE occasion_id = ? AND to_status = 'cancelled'`, occasionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting cancellations: %w", err)
	}
	return n, nil
}

// CancelOrder reconciles an order-cancelled notification exactly once per
// external order id. It refunds the charge (or releases the hold), moves the
// occasion to cancelled and resets it to pending with automation off so the
// recipient can be rescheduled. Orders already delivered yield
// model.ErrDuplicateEvent without touching the ledger. A cancellation for an
// order that is not linked yet is remembered for RecordOrderPlaced and also
// yields model.ErrDuplicateEvent.
func CancelOrder(ctx context.Context, db *sql.DB, externalOrderID, reason string) (*model.Occasion, *model.LedgerTransaction, error) {
	var id int64
	var refund *model.LedgerTransaction
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		o, err := getOccasionByOrder(ctx, tx, externalOrderID)
		if err != nil {
			return err
		}
		if o == nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cancelled_orders (external_order_id, reason) VALUES (?, ?)
				 ON CONFLICT (external_order_id) DO NOTHING`,
				externalOrderID, reason,
			); err != nil {
				return fmt.Errorf("remembering cancelled order: %w", err)
			}
			return fmt.Errorf("order %s not linked yet: %w", externalOrderID, model.ErrDuplicateEvent)
		}
		if o.Status == model.StatusDelivered {
			return model.ErrDuplicateEvent
		}
		id = o.ID
		refund, err = cancelOccasion(ctx, tx, o, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	o, err := GetOccasion(ctx, db, id)
	return o, refund, err
}

// cancelOccasion refunds an ordered occasion and resets it to pending with
// automation off.
func cancelOccasion(ctx context.Context, tx *sql.Tx, o *model.Occasion, reason string) (*model.LedgerTransaction, error) {
	refund, err := refundOccasion(ctx, tx, o)
	if err != nil {
		return nil, err
	}

	if err := transition(ctx, tx, o, model.StatusCancelled, reason); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE occasions SET external_order_id = NULL, wallet_reserved = 0, reservation_amount = '0',
		     charged_amount = NULL, gift_reference = NULL, gift_description = NULL,
		     address_requested_at = NULL, address_confirmed_at = NULL, gift_confirmed_at = NULL,
		     tracking_number = NULL, delivery_date = NULL, resume_status = NULL, last_error = NULL,
		     automation_enabled = 0
		 WHERE id = ?`, o.ID,
	); err != nil {
		return nil, fmt.Errorf("resetting occasion: %w", err)
	}
	if err := transition(ctx, tx, o, model.StatusPending, "reset after cancellation"); err != nil {
		return nil, err
	}
	return refund, nil
}

// takeCancelledOrder consumes a cancellation that arrived before its order
// was linked to an occasion.
func takeCancelledOrder(ctx context.Context, tx *sql.Tx, externalOrderID string) (reason string, ok bool, err error) {
	err = tx.QueryRowContext(ctx,
		`DELETE FROM cancelled_orders WHERE external_order_id = ? RETURNING reason`, externalOrderID,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checking cancelled orders: %w", err)
	}
	return reason, true, nil
}

// refundOccasion refunds the occasion's outstanding charge, or releases its
// pending hold when nothing was charged yet.
func refundOccasion(ctx context.Context, tx *sql.Tx, o *model.Occasion) (*model.LedgerTransaction, error) {
	charge, err := unrefundedChargeFor(ctx, tx, o.ID)
	if err != nil {
		return nil, err
	}
	if charge != nil {
		return settle(ctx, tx, charge.ID, model.SettleRefund)
	}

	hold, err := pendingReservationFor(ctx, tx, o.ID)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		return settle(ctx, tx, hold.ID, model.SettleRefund)
	}
	return nil, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
