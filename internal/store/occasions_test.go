package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/erazemk/darilo/internal/db"
	"github.com/erazemk/darilo/internal/model"
)

func TestReserveOccasionMovesToFundsReserved(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 14))
	deposit(t, database, u.ID, "100")

	got, hold, err := ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached")
	if err != nil {
		t.Fatalf("ReserveOccasion: %v", err)
	}
	if got.Status != model.StatusFundsReserved {
		t.Errorf("expected funds_reserved, got %s", got.Status)
	}
	if got.GiftReference != "sku-1" {
		t.Errorf("expected gift sku-1, got %q", got.GiftReference)
	}
	assertMoney(t, "hold", hold.Amount, "45")

	// A second call returns the existing hold without another transition.
	_, again, err := ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "retry")
	if err != nil {
		t.Fatalf("repeat ReserveOccasion: %v", err)
	}
	if again.ID != hold.ID {
		t.Errorf("expected hold %d, got %d", hold.ID, again.ID)
	}

	history, _ := ListOccasionHistory(ctx, database, o.ID)
	if len(history) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(history))
	}
	if history[0].From != model.StatusPending || history[0].To != model.StatusFundsReserved {
		t.Errorf("unexpected transition %s -> %s", history[0].From, history[0].To)
	}
}

func TestReserveOccasionInsufficientFundsStaysPending(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 14))
	deposit(t, database, u.ID, "30")

	_, _, err := ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached")
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	got, _ := GetOccasion(ctx, database, o.ID)
	if got.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.GiftReference != "" {
		t.Errorf("expected no gift recorded, got %q", got.GiftReference)
	}
}

func TestAddressFlow(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, false)
	o := createTestOccasion(t, database, u.ID, r.ID, now.AddDate(0, 0, 10))
	deposit(t, database, u.ID, "100")
	ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached")

	got, err := MarkAddressRequested(ctx, database, o.ID, now)
	if err != nil {
		t.Fatalf("MarkAddressRequested: %v", err)
	}
	if got.Status != model.StatusAddressRequested || got.AddressRequestedAt == nil {
		t.Errorf("unexpected occasion after request: %+v", got)
	}

	// Gift confirmation without an address keeps waiting for one.
	got, err = ConfirmGift(ctx, database, u.ID, o.ID, now)
	if err != nil {
		t.Fatalf("ConfirmGift: %v", err)
	}
	if got.Status != model.StatusAddressRequested || got.GiftConfirmedAt == nil {
		t.Errorf("unexpected occasion after gift confirm: %+v", got)
	}

	if _, err := ConfirmAddress(ctx, database, u.ID, o.ID, model.Address{City: "Ljubljana"}, now); err == nil {
		t.Error("expected incomplete address to be rejected")
	}

	addr := model.Address{Line1: "Trubarjeva 5", City: "Ljubljana", PostalCode: "1000", Country: "SI"}
	got, err = ConfirmAddress(ctx, database, u.ID, o.ID, addr, now)
	if err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	if got.Status != model.StatusAddressConfirmed {
		t.Errorf("expected address_confirmed, got %s", got.Status)
	}

	stored, _ := GetRecipient(ctx, database, u.ID, r.ID)
	if !stored.Address.Complete() {
		t.Error("expected recipient address to be stored")
	}

	other := createTestUser(t, database, "bob", model.TierPremium)
	if _, err := ConfirmAddress(ctx, database, other.ID, o.ID, addr, now); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found for another user, got %v", err)
	}
}

func TestConfirmGiftWithAddressOnFile(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 10))
	deposit(t, database, u.ID, "100")
	ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached")

	got, err := ConfirmGift(ctx, database, u.ID, o.ID, time.Now())
	if err != nil {
		t.Fatalf("ConfirmGift: %v", err)
	}
	if got.Status != model.StatusAddressConfirmed || got.AddressConfirmedAt == nil {
		t.Errorf("expected address_confirmed with timestamp, got %+v", got)
	}
}

func TestConfirmGiftOnPendingIsInvalid(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 10))

	_, err := ConfirmGift(ctx, database, u.ID, o.ID, time.Now())
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

// orderedOccasion walks an occasion to ordered with the hold charged.
func orderedOccasion(t *testing.T, database *sql.DB, charge bool) (*model.User, *model.Occasion) {
	t.Helper()
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 3))
	deposit(t, database, u.ID, "100")

	if _, _, err := ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached"); err != nil {
		t.Fatalf("ReserveOccasion: %v", err)
	}
	got, err := RecordOrderPlaced(ctx, database, o.ID, "ord-1", charge)
	if err != nil {
		t.Fatalf("RecordOrderPlaced: %v", err)
	}
	if got.Status != model.StatusOrdered {
		t.Fatalf("expected ordered, got %s", got.Status)
	}
	return u, got
}

func TestRecordOrderPlacedCharges(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u, o := orderedOccasion(t, database, true)
	if o.ChargedAmount == nil {
		t.Fatal("expected charged amount")
	}
	assertMoney(t, "charged", *o.ChargedAmount, "45")
	if o.WalletReserved {
		t.Error("expected hold released into a charge")
	}

	summary, _ := GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance", summary.Balance, "55")
	assertMoney(t, "available", summary.AvailableBalance, "55")
}

func TestCancelOrderRefundsOnce(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u, o := orderedOccasion(t, database, true)

	got, refund, err := CancelOrder(ctx, database, "ord-1", "order cancelled")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	assertMoney(t, "refund", refund.Amount, "45")
	if got.Status != model.StatusPending {
		t.Errorf("expected reset to pending, got %s", got.Status)
	}
	if got.AutomationEnabled || got.ExternalOrderID != "" || got.GiftReference != "" {
		t.Errorf("expected occasion reset, got %+v", got)
	}

	summary, _ := GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance", summary.Balance, "100")

	// The replayed notification finds no order and moves no money.
	if _, _, err := CancelOrder(ctx, database, "ord-1", "order cancelled"); !errors.Is(err, model.ErrDuplicateEvent) {
		t.Errorf("expected duplicate event, got %v", err)
	}
	summary, _ = GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance after replay", summary.Balance, "100")

	history, _ := ListOccasionHistory(ctx, database, o.ID)
	last := history[len(history)-1]
	if last.From != model.StatusCancelled || last.To != model.StatusPending {
		t.Errorf("expected cancelled -> pending last, got %s -> %s", last.From, last.To)
	}
}

func TestCancelOrderReleasesUnchargedHold(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u, _ := orderedOccasion(t, database, false)

	if _, _, err := CancelOrder(ctx, database, "ord-1", "order cancelled"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	summary, _ := GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance", summary.Balance, "100")
	assertMoney(t, "available", summary.AvailableBalance, "100")
}

func TestCancelOrderBeforeOrderIsRecorded(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 3))
	deposit(t, database, u.ID, "100")
	if _, _, err := ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached"); err != nil {
		t.Fatalf("ReserveOccasion: %v", err)
	}

	if _, _, err := CancelOrder(ctx, database, "ord-1", "rejected"); !errors.Is(err, model.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate event for unlinked order, got %v", err)
	}

	got, err := RecordOrderPlaced(ctx, database, o.ID, "ord-1", true)
	if err != nil {
		t.Fatalf("RecordOrderPlaced: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected pending after early cancellation, got %s", got.Status)
	}
	if got.ChargedAmount != nil || got.WalletReserved || got.ExternalOrderID != "" {
		t.Errorf("expected occasion reset, got %+v", got)
	}

	summary, _ := GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance", summary.Balance, "100")
	assertMoney(t, "available", summary.AvailableBalance, "100")

	n, err := CountOccasionCancellations(ctx, database, o.ID)
	if err != nil {
		t.Fatalf("CountOccasionCancellations: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancellation, got %d", n)
	}

	history, _ := ListOccasionHistory(ctx, database, o.ID)
	var cancelReason string
	for _, h := range history {
		if h.To == model.StatusCancelled {
			cancelReason = h.Reason
		}
	}
	if cancelReason != "rejected" {
		t.Errorf("expected cancellation reason from the notification, got %q", cancelReason)
	}
}

func TestFulfillOrderSchedulesNextYear(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u, o := orderedOccasion(t, database, false)

	delivered, next, err := FulfillOrder(ctx, database, "ord-1", "TRK1", time.Now())
	if err != nil {
		t.Fatalf("FulfillOrder: %v", err)
	}
	if delivered.Status != model.StatusDelivered || delivered.TrackingNumber != "TRK1" {
		t.Errorf("unexpected delivered occasion: %+v", delivered)
	}
	if delivered.ChargedAmount == nil {
		t.Error("expected uncharged hold to be charged on fulfillment")
	}
	if next == nil {
		t.Fatal("expected next occasion")
	}
	if !next.Date.Equal(o.Date.AddDate(1, 0, 0)) {
		t.Errorf("expected next occasion on %s, got %s", o.Date.AddDate(1, 0, 0), next.Date)
	}
	if next.Status != model.StatusPending || !next.AutomationEnabled {
		t.Errorf("unexpected next occasion: %+v", next)
	}

	summary, _ := GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance", summary.Balance, "55")

	if _, _, err := FulfillOrder(ctx, database, "ord-1", "TRK1", time.Now()); !errors.Is(err, model.ErrDuplicateEvent) {
		t.Errorf("expected duplicate event, got %v", err)
	}
	// A late cancellation of a delivered order changes nothing.
	if _, _, err := CancelOrder(ctx, database, "ord-1", "late"); !errors.Is(err, model.ErrDuplicateEvent) {
		t.Errorf("expected duplicate event for stale cancel, got %v", err)
	}
	summary, _ = GetWalletSummary(ctx, database, u.ID)
	assertMoney(t, "balance after stale cancel", summary.Balance, "55")
}

func TestErrorAndResume(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	o := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 3))
	deposit(t, database, u.ID, "100")
	ReserveOccasion(ctx, database, o.ID, gift("sku-1", "45"), "lead time reached")

	got, err := RecordOccasionError(ctx, database, o.ID, "fulfillment timeout")
	if err != nil {
		t.Fatalf("RecordOccasionError: %v", err)
	}
	if got.Status != model.StatusError || got.ResumeStatus != model.StatusFundsReserved {
		t.Errorf("unexpected errored occasion: %+v", got)
	}
	if got.LastError != "fulfillment timeout" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}

	// The hold survives the error.
	available, _ := GetAvailableBalance(ctx, database, u.ID)
	assertMoney(t, "available", available, "55")

	got, err = ResumeOccasion(ctx, database, u.ID, o.ID, "manual resolve")
	if err != nil {
		t.Fatalf("ResumeOccasion: %v", err)
	}
	if got.Status != model.StatusFundsReserved || got.LastError != "" {
		t.Errorf("unexpected resumed occasion: %+v", got)
	}

	if _, err := ResumeOccasion(ctx, database, u.ID, o.ID, "again"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestEnsureUpcomingOccasions(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)

	upcoming, err := EnsureUpcomingOccasions(ctx, database, u.ID, r.ID, now, money("50"))
	if err != nil {
		t.Fatalf("EnsureUpcomingOccasions: %v", err)
	}
	if len(upcoming) != 1 {
		t.Fatalf("expected 1 upcoming occasion, got %d", len(upcoming))
	}
	want := time.Date(2027, time.March, 14, 0, 0, 0, 0, time.UTC)
	if !upcoming[0].Date.Equal(want) {
		t.Errorf("expected %s, got %s", want, upcoming[0].Date)
	}

	again, _ := EnsureUpcomingOccasions(ctx, database, u.ID, r.ID, now, money("50"))
	if len(again) != 1 || again[0].ID != upcoming[0].ID {
		t.Errorf("expected the same occasion, got %+v", again)
	}
}

func TestListAutomatedOccasions(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	u := createTestUser(t, database, "alice", model.TierPremium)
	r := createTestRecipient(t, database, u.ID, true)
	on := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 3))
	off := createTestOccasion(t, database, u.ID, r.ID, time.Now().AddDate(0, 0, 4))
	if _, err := UpdateOccasionAutomation(ctx, database, u.ID, off.ID, false, nil); err != nil {
		t.Fatalf("UpdateOccasionAutomation: %v", err)
	}

	list, err := ListAutomatedOccasions(ctx, database)
	if err != nil {
		t.Fatalf("ListAutomatedOccasions: %v", err)
	}
	if len(list) != 1 || list[0].ID != on.ID {
		t.Errorf("expected only occasion %d, got %+v", on.ID, list)
	}
	if list[0].RecipientName != "Maja" {
		t.Errorf("expected joined recipient name, got %q", list[0].RecipientName)
	}
}
