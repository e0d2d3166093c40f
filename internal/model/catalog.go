package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogItem is a giftable product synchronized from the fulfillment platform.
type CatalogItem struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	PreferenceTag  string          `json:"preference_tag,omitempty"`
	Rank           int             `json:"rank"`
	Available      bool            `json:"available"`
	InventoryCount int             `json:"inventory_count"`
	Universal      bool            `json:"universal"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InStock reports whether the item can be ordered right now.
func (c CatalogItem) InStock() bool {
	return c.Available && c.InventoryCount > 0
}
