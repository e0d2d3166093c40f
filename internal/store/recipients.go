package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/darilo/internal/model"
)

const recipientColumns = `id, user_id, name, birthday, anniversary, preferred_gift_tag, automation_enabled,
	address_line1, address_line2, city, postal_code, country, default_gift_reference,
	created_at, updated_at, deleted_at`

func scanRecipient(s scanner) (*model.Recipient, error) {
	r := &model.Recipient{}
	var tag, line1, line2, city, postal, country, giftRef sql.NullString
	err := s.Scan(&r.ID, &r.UserID, &r.Name, &r.Birthday, &r.Anniversary, &tag, &r.AutomationEnabled,
		&line1, &line2, &city, &postal, &country, &giftRef,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if err != nil {
		return nil, err
	}
	r.PreferredGiftTag = tag.String
	r.Address = model.Address{
		Line1:      line1.String,
		Line2:      line2.String,
		City:       city.String,
		PostalCode: postal.String,
		Country:    country.String,
	}
	r.DefaultGiftReference = giftRef.String
	return r, nil
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.Day(*t)
}

// CreateRecipient creates a recipient owned by r.UserID.
func CreateRecipient(ctx context.Context, db *sql.DB, r *model.Recipient) (*model.Recipient, error) {
	if !model.ValidPreferenceTag(r.PreferredGiftTag) {
		return nil, fmt.Errorf("invalid preference tag %q", r.PreferredGiftTag)
	}

	now := time.Now().UTC()
	result, err := db.ExecContext(ctx,
		`INSERT INTO recipients (user_id, name, birthday, anniversary, preferred_gift_tag,
		     address_line1, address_line2, city, postal_code, country, default_gift_reference,
		     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Name, dateOrNil(r.Birthday), dateOrNil(r.Anniversary), nullString(r.PreferredGiftTag),
		nullString(r.Address.Line1), nullString(r.Address.Line2), nullString(r.Address.City),
		nullString(r.Address.PostalCode), nullString(r.Address.Country), nullString(r.DefaultGiftReference),
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating recipient: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting recipient id: %w", err)
	}

	return GetRecipient(ctx, db, r.UserID, id)
}

func getRecipient(ctx context.Context, q querier, userID, id int64) (*model.Recipient, error) {
	r, err := scanRecipient(q.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, id, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting recipient: %w", err)
	}
	return r, nil
}

// GetRecipient returns one of the user's recipients, or nil if the user does
// not own a recipient with that ID.
func GetRecipient(ctx context.Context, db *sql.DB, userID, id int64) (*model.Recipient, error) {
	return getRecipient(ctx, db, userID, id)
}

// ListRecipients returns the user's recipients ordered by name.
func ListRecipients(ctx context.Context, db *sql.DB, userID int64) ([]model.Recipient, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients
		 WHERE user_id = ? AND deleted_at IS NULL ORDER BY name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		recipients = append(recipients, *r)
	}
	return recipients, rows.Err()
}

// UpdateRecipient replaces a recipient's editable fields.
func UpdateRecipient(ctx context.Context, db *sql.DB, r *model.Recipient) error {
	if !model.ValidPreferenceTag(r.PreferredGiftTag) {
		return fmt.Errorf("invalid preference tag %q", r.PreferredGiftTag)
	}
	_, err := db.ExecContext(ctx,
		`UPDATE recipients SET name = ?, birthday = ?, anniversary = ?, preferred_gift_tag = ?,
		     address_line1 = ?, address_line2 = ?, city = ?, postal_code = ?, country = ?,
		     default_gift_reference = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		r.Name, dateOrNil(r.Birthday), dateOrNil(r.Anniversary), nullString(r.PreferredGiftTag),
		nullString(r.Address.Line1), nullString(r.Address.Line2), nullString(r.Address.City),
		nullString(r.Address.PostalCode), nullString(r.Address.Country),
		nullString(r.DefaultGiftReference), time.Now().UTC(),
		r.ID, r.UserID,
	)
	if err != nil {
		return fmt.Errorf("updating recipient: %w", err)
	}
	return nil
}

func updateRecipientAddress(ctx context.Context, q querier, userID, id int64, a model.Address) error {
	_, err := q.ExecContext(ctx,
		`UPDATE recipients SET address_line1 = ?, address_line2 = ?, city = ?, postal_code = ?, country = ?,
		     updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		nullString(a.Line1), nullString(a.Line2), nullString(a.City), nullString(a.PostalCode),
		nullString(a.Country), time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("updating recipient address: %w", err)
	}
	return nil
}

// SetRecipientAutomation stores the preference tag and automation flag.
func SetRecipientAutomation(ctx context.Context, db *sql.DB, userID, id int64, tag string, enabled bool) error {
	if !model.ValidPreferenceTag(tag) {
		return fmt.Errorf("invalid preference tag %q", tag)
	}
	_, err := db.ExecContext(ctx,
		`UPDATE recipients SET preferred_gift_tag = ?, automation_enabled = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		nullString(tag), enabled, time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("setting recipient automation: %w", err)
	}
	return nil
}

// DeleteRecipient soft-deletes a recipient and turns off automation for its
// occasions. Held money is left alone; it is released through cancellation.
func DeleteRecipient(ctx context.Context, db *sql.DB, userID, id int64) error {
	return withTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE recipients SET deleted_at = ?, automation_enabled = 0
			 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, now, id, userID,
		); err != nil {
			return fmt.Errorf("deleting recipient: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE occasions SET automation_enabled = 0, updated_at = ? WHERE recipient_id = ? AND user_id = ?`,
			now, id, userID,
		); err != nil {
			return fmt.Errorf("disabling recipient occasions: %w", err)
		}
		return nil
	})
}
