package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/darilo/internal/model"
)

const catalogColumns = `id, name, price, preference_tag, rank, available, inventory_count, universal, updated_at`

func scanCatalogItem(s scanner) (*model.CatalogItem, error) {
	c := &model.CatalogItem{}
	var tag sql.NullString
	err := s.Scan(&c.ID, &c.Name, &c.Price, &tag, &c.Rank, &c.Available, &c.InventoryCount, &c.Universal, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PreferenceTag = tag.String
	return c, nil
}

func listCatalog(ctx context.Context, db *sql.DB, where string, args ...any) ([]model.CatalogItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+catalogColumns+` FROM catalog_items `+where+` ORDER BY rank, id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		c, err := scanCatalogItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning catalog item: %w", err)
		}
		items = append(items, *c)
	}
	return items, rows.Err()
}

// UpsertCatalogItems inserts or replaces catalog items in one transaction.
func UpsertCatalogItems(ctx context.Context, db *sql.DB, items []model.CatalogItem) error {
	for _, c := range items {
		if c.ID == "" || c.Name == "" {
			return fmt.Errorf("catalog item needs an id and a name")
		}
		if c.Price.IsNegative() {
			return fmt.Errorf("catalog item %s: price must not be negative", c.ID)
		}
		if !model.ValidPreferenceTag(c.PreferenceTag) {
			return fmt.Errorf("catalog item %s: invalid preference tag %q", c.ID, c.PreferenceTag)
		}
	}

	return withTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, c := range items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO catalog_items (id, name, price, preference_tag, rank, available, inventory_count, universal, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET name = excluded.name, price = excluded.price,
				     preference_tag = excluded.preference_tag, rank = excluded.rank, available = excluded.available,
				     inventory_count = excluded.inventory_count, universal = excluded.universal,
				     updated_at = excluded.updated_at`,
				c.ID, c.Name, c.Price.String(), nullString(c.PreferenceTag), c.Rank, c.Available,
				c.InventoryCount, c.Universal, now,
			)
			if err != nil {
				return fmt.Errorf("upserting catalog item %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetCatalogItem returns a catalog item by ID.
func GetCatalogItem(ctx context.Context, db *sql.DB, id string) (*model.CatalogItem, error) {
	c, err := scanCatalogItem(db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM catalog_items WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting catalog item: %w", err)
	}
	return c, nil
}

// ListCatalog returns every catalog item.
func ListCatalog(ctx context.Context, db *sql.DB) ([]model.CatalogItem, error) {
	return listCatalog(ctx, db, "")
}

// CatalogStore serves catalog items to the gift selector.
type CatalogStore struct {
	DB *sql.DB
}

// ItemsForTag returns the items tagged with tag.
func (c CatalogStore) ItemsForTag(ctx context.Context, tag string) ([]model.CatalogItem, error) {
	return listCatalog(ctx, c.DB, `WHERE preference_tag = ?`, tag)
}

// UniversalItems returns the items suitable for any recipient.
func (c CatalogStore) UniversalItems(ctx context.Context) ([]model.CatalogItem, error) {
	return listCatalog(ctx, c.DB, `WHERE universal = 1`)
}
