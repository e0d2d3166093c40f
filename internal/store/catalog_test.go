package store

import (
	"context"
	"testing"

	"github.com/erazemk/darilo/internal/db"
	"github.com/erazemk/darilo/internal/model"
)

func TestUpsertAndListCatalog(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	items := []model.CatalogItem{
		gift("knife", "45"),
		{ID: "card", Name: "Gift card", Price: money("25"), Universal: true, Available: true, InventoryCount: 100},
	}
	if err := UpsertCatalogItems(ctx, database, items); err != nil {
		t.Fatalf("UpsertCatalogItems: %v", err)
	}

	// Upserting again updates in place.
	items[0].Price = money("40")
	items[0].InventoryCount = 0
	if err := UpsertCatalogItems(ctx, database, items[:1]); err != nil {
		t.Fatalf("UpsertCatalogItems: %v", err)
	}

	all, err := ListCatalog(ctx, database)
	if err != nil {
		t.Fatalf("ListCatalog: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 items, got %d", len(all))
	}

	knife, _ := GetCatalogItem(ctx, database, "knife")
	assertMoney(t, "price", knife.Price, "40")
	if knife.InStock() {
		t.Error("expected knife out of stock")
	}

	source := CatalogStore{DB: database}
	tagged, _ := source.ItemsForTag(ctx, model.TagCooking)
	if len(tagged) != 1 || tagged[0].ID != "knife" {
		t.Errorf("expected knife for cooking, got %+v", tagged)
	}
	universal, _ := source.UniversalItems(ctx)
	if len(universal) != 1 || universal[0].ID != "card" {
		t.Errorf("expected card as universal, got %+v", universal)
	}
}

func TestUpsertCatalogRejectsInvalid(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	bad := []model.CatalogItem{{ID: "x", Name: "X", Price: money("-1")}}
	if err := UpsertCatalogItems(ctx, database, bad); err == nil {
		t.Error("expected negative price to be rejected")
	}
	bad = []model.CatalogItem{{ID: "x", Name: "X", Price: money("1"), PreferenceTag: "unknown"}}
	if err := UpsertCatalogItems(ctx, database, bad); err == nil {
		t.Error("expected unknown tag to be rejected")
	}
}

func TestRecordWebhookEvent(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	first, err := RecordWebhookEvent(ctx, database, "fulfillment", "evt-1", "orders/cancelled")
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if !first {
		t.Error("expected first delivery to be new")
	}
	second, _ := RecordWebhookEvent(ctx, database, "fulfillment", "evt-1", "orders/cancelled")
	if second {
		t.Error("expected repeat delivery to be known")
	}
	seen, _ := HasWebhookEvent(ctx, database, "fulfillment", "evt-1")
	if !seen {
		t.Error("expected event to be recorded")
	}
}
