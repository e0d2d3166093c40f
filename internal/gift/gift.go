// Package gift picks a concrete catalog item for an occasion.
package gift

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/model"
)

// Tier names which catalog slice produced a selection.
type Tier string

// Selection tiers, in the order they are tried.
const (
	TierNone       Tier = ""
	TierDefault    Tier = "default"
	TierPreference Tier = "preference"
	TierUniversal  Tier = "universal"
)

// Selection is the outcome of choosing a gift under a budget.
//
// When Item is nil nothing fits the budget; Cheapest is then the cheapest
// orderable candidate from either tier, and Shortfall how much the budget
// misses it by.
type Selection struct {
	Item      *model.CatalogItem `json:"item,omitempty"`
	Tier      Tier               `json:"tier,omitempty"`
	Cheapest  *model.CatalogItem `json:"cheapest,omitempty"`
	Shortfall decimal.Decimal    `json:"shortfall"`
}

// Found reports whether an affordable item was selected.
func (s Selection) Found() bool {
	return s.Item != nil
}

// Select returns the first affordable item tagged tag, falling back to the
// first affordable universal item. Both tiers are ordered by rank, then
// price, then id, and only in-stock items are considered. It is a pure
// function of its inputs.
func Select(items []model.CatalogItem, tag string, budget decimal.Decimal) Selection {
	var preferred, universal []model.CatalogItem
	for _, item := range items {
		if !item.InStock() {
			continue
		}
		if tag != "" && item.PreferenceTag == tag {
			preferred = append(preferred, item)
		}
		if item.Universal {
			universal = append(universal, item)
		}
	}

	if item := firstAffordable(preferred, budget); item != nil {
		return Selection{Item: item, Tier: TierPreference}
	}
	if item := firstAffordable(universal, budget); item != nil {
		return Selection{Item: item, Tier: TierUniversal}
	}

	cheapest := cheapestOf(append(preferred, universal...))
	if cheapest == nil {
		return Selection{}
	}
	return Selection{Cheapest: cheapest, Shortfall: cheapest.Price.Sub(budget)}
}

func firstAffordable(items []model.CatalogItem, budget decimal.Decimal) *model.CatalogItem {
	sorted := make([]model.CatalogItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if !a.Price.Equal(b.Price) {
			return a.Price.LessThan(b.Price)
		}
		return a.ID < b.ID
	})

	for i := range sorted {
		if sorted[i].Price.LessThanOrEqual(budget) {
			item := sorted[i]
			return &item
		}
	}
	return nil
}

func cheapestOf(items []model.CatalogItem) *model.CatalogItem {
	var cheapest *model.CatalogItem
	for i := range items {
		item := items[i]
		if cheapest == nil || item.Price.LessThan(cheapest.Price) ||
			(item.Price.Equal(cheapest.Price) && item.ID < cheapest.ID) {
			cheapest = &item
		}
	}
	return cheapest
}

// CatalogSource supplies catalog snapshots.
type CatalogSource interface {
	ItemsForTag(ctx context.Context, tag string) ([]model.CatalogItem, error)
	UniversalItems(ctx context.Context) ([]model.CatalogItem, error)
}

// Selector reads a catalog snapshot and applies Select to it.
type Selector struct {
	Catalog CatalogSource
}

// Choose selects a gift for tag under budget from the current catalog.
func (s *Selector) Choose(ctx context.Context, tag string, budget decimal.Decimal) (Selection, error) {
	var items []model.CatalogItem
	if tag != "" {
		tagged, err := s.Catalog.ItemsForTag(ctx, tag)
		if err != nil {
			return Selection{}, fmt.Errorf("reading catalog for %q: %w", tag, err)
		}
		items = append(items, tagged...)
	}
	universal, err := s.Catalog.UniversalItems(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("reading universal catalog: %w", err)
	}
	for _, item := range universal {
		if item.PreferenceTag != tag || tag == "" {
			items = append(items, item)
		}
	}
	return Select(items, tag, budget), nil
}
