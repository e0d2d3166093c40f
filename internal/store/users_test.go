package store

import (
	"context"
	"testing"

	"github.com/erazemk/darilo/internal/db"
	"github.com/erazemk/darilo/internal/model"
)

func TestCreateAndGetUser(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	user, err := CreateUser(ctx, database, "testuser", "hash123", model.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Username != "testuser" {
		t.Errorf("expected username 'testuser', got %q", user.Username)
	}
	if user.Tier != model.TierFree {
		t.Errorf("expected new users on the free tier, got %q", user.Tier)
	}

	got, err := GetUser(ctx, database, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "testuser" {
		t.Errorf("expected username 'testuser', got %q", got.Username)
	}
}

func TestGetUserByUsername(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	CreateUser(ctx, database, "alice", "hash", model.RoleAdmin)

	user, err := GetUserByUsername(ctx, database, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.Username != "alice" {
		t.Fatalf("expected alice, got %+v", user)
	}

	missing, err := GetUserByUsername(ctx, database, "bob")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}

func TestDeleteUser(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	user, _ := CreateUser(ctx, database, "deleteme", "hash", model.RoleUser)
	DeleteUser(ctx, database, user.ID)

	users, _ := ListUsers(ctx, database)
	if len(users) != 0 {
		t.Errorf("expected 0 users after delete, got %d", len(users))
	}
}

func TestUpdateUserTier(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	user, _ := CreateUser(ctx, database, "tiered", "hash", model.RoleUser)
	if err := UpdateUserTier(ctx, database, user.ID, "platinum"); err == nil {
		t.Error("expected error for unknown tier")
	}
	if err := UpdateUserTier(ctx, database, user.ID, model.TierPremium); err != nil {
		t.Fatalf("UpdateUserTier: %v", err)
	}

	got, _ := GetUser(ctx, database, user.ID)
	if got.Tier != model.TierPremium {
		t.Errorf("expected premium tier, got %q", got.Tier)
	}
}

func TestHasAutomationCapability(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	caps := Capabilities{DB: database}

	free, _ := CreateUser(ctx, database, "free", "hash", model.RoleUser)
	premium, _ := CreateUser(ctx, database, "premium", "hash", model.RoleUser)
	UpdateUserTier(ctx, database, premium.ID, model.TierPremium)

	tests := []struct {
		userID int64
		want   bool
	}{
		{free.ID, false},
		{premium.ID, true},
		{9999, false},
	}
	for _, tt := range tests {
		got, err := caps.HasAutomationCapability(ctx, tt.userID)
		if err != nil {
			t.Fatalf("HasAutomationCapability(%d): %v", tt.userID, err)
		}
		if got != tt.want {
			t.Errorf("HasAutomationCapability(%d) = %v, want %v", tt.userID, got, tt.want)
		}
	}

	DeleteUser(ctx, database, premium.ID)
	if got, _ := caps.HasAutomationCapability(ctx, premium.ID); got {
		t.Error("expected deleted user to lose automation capability")
	}
}
