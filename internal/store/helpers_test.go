package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/model"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createTestUser(t *testing.T, database *sql.DB, username, tier string) *model.User {
	t.Helper()
	ctx := context.Background()
	u, err := CreateUser(ctx, database, username, "hash", model.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if tier != model.TierFree {
		if err := UpdateUserTier(ctx, database, u.ID, tier); err != nil {
			t.Fatalf("UpdateUserTier: %v", err)
		}
		u.Tier = tier
	}
	return u
}

func createTestRecipient(t *testing.T, database *sql.DB, userID int64, withAddress bool) *model.Recipient {
	t.Helper()
	birthday := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	r := &model.Recipient{
		UserID:           userID,
		Name:             "Maja",
		Birthday:         &birthday,
		PreferredGiftTag: model.TagCooking,
	}
	if withAddress {
		r.Address = model.Address{Line1: "Trubarjeva 5", City: "Ljubljana", PostalCode: "1000", Country: "SI"}
	}
	created, err := CreateRecipient(context.Background(), database, r)
	if err != nil {
		t.Fatalf("CreateRecipient: %v", err)
	}
	return created
}

func createTestOccasion(t *testing.T, database *sql.DB, userID, recipientID int64, date time.Time) *model.Occasion {
	t.Helper()
	o, err := CreateOccasion(context.Background(), database, &model.Occasion{
		RecipientID:       recipientID,
		UserID:            userID,
		Type:              model.OccasionBirthday,
		Date:              date,
		AutomationEnabled: true,
		Budget:            money("50"),
	})
	if err != nil {
		t.Fatalf("CreateOccasion: %v", err)
	}
	return o
}

func deposit(t *testing.T, database *sql.DB, userID int64, amount string) {
	t.Helper()
	if _, err := Deposit(context.Background(), database, userID, money(amount), ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func gift(id, price string) model.CatalogItem {
	return model.CatalogItem{
		ID: id, Name: "Gift " + id, Price: money(price), PreferenceTag: model.TagCooking,
		Available: true, InventoryCount: 5,
	}
}

func assertMoney(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(money(want)) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}
