package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/erazemk/darilo/internal/db"
	"github.com/erazemk/darilo/internal/eligibility"
	"github.com/erazemk/darilo/internal/fulfillment"
	"github.com/erazemk/darilo/internal/metrics"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/notify"
	"github.com/erazemk/darilo/internal/store"
)

type fakeOrders struct {
	mu    sync.Mutex
	calls int
	err   error
	// placed runs before CreateOrder returns the new order id.
	placed func(orderID string)
}

func (f *fakeOrders) CreateOrder(_ context.Context, req fulfillment.OrderRequest) (fulfillment.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return fulfillment.OrderResult{}, f.err
	}
	id := fmt.Sprintf("ORD-%d", req.OccasionID)
	if req.Attempt > 0 {
		id = fmt.Sprintf("ORD-%d-%d", req.OccasionID, req.Attempt)
	}
	if f.placed != nil {
		f.placed(id)
	}
	return fulfillment.OrderResult{OrderID: id, Status: "accepted"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(m notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []notify.Kind
	for _, m := range r.msgs {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

type fixture struct {
	db        *sql.DB
	engine    *Engine
	scheduler *Scheduler
	orders    *fakeOrders
	notes     *recordingNotifier
	now       time.Time
	user      *model.User
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t *testing.T, tier, balance string) *fixture {
	t.Helper()
	ctx := context.Background()
	database := db.NewTestDB(t)

	u, err := store.CreateUser(ctx, database, "alice", "hash", model.RoleUser)
	require.NoError(t, err)
	require.NoError(t, store.UpdateUserTier(ctx, database, u.ID, tier))
	if balance != "0" {
		_, err = store.Deposit(ctx, database, u.ID, d(balance), "")
		require.NoError(t, err)
	}

	require.NoError(t, store.UpsertCatalogItems(ctx, database, []model.CatalogItem{
		{ID: "pan", Name: "Copper pan", Price: d("45"), PreferenceTag: model.TagCooking, Rank: 1, Available: true, InventoryCount: 4},
		{ID: "card", Name: "Gift card", Price: d("25"), Universal: true, Rank: 1, Available: true, InventoryCount: 100},
	}))

	orders := &fakeOrders{}
	notes := &recordingNotifier{}
	now := time.Date(2026, time.October, 17, 9, 0, 0, 0, time.UTC)

	engine := NewEngine(database, orders, notes, metrics.New(prometheus.NewRegistry()), DefaultPolicy())
	engine.Now = func() time.Time { return now }

	return &fixture{
		db:        database,
		engine:    engine,
		scheduler: &Scheduler{Engine: engine, Interval: time.Hour},
		orders:    orders,
		notes:     notes,
		now:       now,
		user:      u,
	}
}

func (f *fixture) recipient(t *testing.T, withAddress bool) *model.Recipient {
	t.Helper()
	r := &model.Recipient{UserID: f.user.ID, Name: "Maja", PreferredGiftTag: model.TagCooking}
	if withAddress {
		r.Address = model.Address{Line1: "Trubarjeva 5", City: "Ljubljana", PostalCode: "1000", Country: "SI"}
	}
	created, err := store.CreateRecipient(context.Background(), f.db, r)
	require.NoError(t, err)
	return created
}

func (f *fixture) occasion(t *testing.T, r *model.Recipient, daysAhead int) *model.Occasion {
	t.Helper()
	o, err := store.CreateOccasion(context.Background(), f.db, &model.Occasion{
		RecipientID:       r.ID,
		UserID:            f.user.ID,
		Type:              model.OccasionCustom,
		Date:              f.now.AddDate(0, 0, daysAhead),
		AutomationEnabled: true,
		Budget:            d("50"),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) reload(t *testing.T, id int64) *model.Occasion {
	t.Helper()
	o, err := store.GetOccasion(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) wallet(t *testing.T) *model.WalletSummary {
	t.Helper()
	s, err := store.GetWalletSummary(context.Background(), f.db, f.user.ID)
	require.NoError(t, err)
	return s
}

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(d(want)), "expected %s, got %s", want, got)
}

func TestSweepReservesInsideWindow(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	due := f.occasion(t, r, 14)
	later := f.occasion(t, r, 20)

	report, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reserved)

	got := f.reload(t, due.ID)
	require.Equal(t, model.StatusFundsReserved, got.Status)
	require.Equal(t, "pan", got.GiftReference)
	require.Equal(t, model.StatusPending, f.reload(t, later.ID).Status)

	w := f.wallet(t)
	requireMoney(t, "100", w.Balance)
	requireMoney(t, "55", w.AvailableBalance)

	// A second sweep on the same day changes nothing.
	report, err = f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Zero(t, report.Reserved)
	requireMoney(t, "55", f.wallet(t).AvailableBalance)
}

func TestSweepInsufficientFundsStaysPending(t *testing.T) {
	f := newFixture(t, model.TierPremium, "30")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 14)

	report, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Refused)
	require.Equal(t, model.StatusPending, f.reload(t, o.ID).Status)
	require.Contains(t, f.notes.kinds(), notify.FundsLow)

	out, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.Equal(t, eligibility.ReasonInsufficientFunds, out.Eligibility.Reason)
	requireMoney(t, "15", out.Eligibility.Shortfall)
}

func TestReserveFundsRequiresSubscription(t *testing.T) {
	f := newFixture(t, model.TierFree, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 14)

	out, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.False(t, out.Eligibility.Eligible)
	require.Equal(t, eligibility.ReasonSubscriptionRequired, out.Eligibility.Reason)
	require.Equal(t, model.StatusPending, f.reload(t, o.ID).Status)
	requireMoney(t, "100", f.wallet(t).AvailableBalance)
}

func TestReserveFundsFallsBackToUniversal(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o, err := store.CreateOccasion(context.Background(), f.db, &model.Occasion{
		RecipientID: r.ID, UserID: f.user.ID, Type: model.OccasionCustom,
		Date: f.now.AddDate(0, 0, 14), AutomationEnabled: true, Budget: d("30"),
	})
	require.NoError(t, err)

	out, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.True(t, out.Eligibility.Eligible)
	require.Equal(t, "card", out.Occasion.GiftReference)
	requireMoney(t, "75", f.wallet(t).AvailableBalance)
}

func TestReserveFundsConcurrentCallsHoldOnce(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 14)

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := f.engine.ReserveFunds(context.Background(), 0, o.ID)
			if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	w := f.wallet(t)
	require.Equal(t, 1, w.PendingReservation)
	requireMoney(t, "55", w.AvailableBalance)
}

func TestSweepRequestsMissingAddress(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, false)
	o := f.occasion(t, r, 10)

	report, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reserved)
	require.Equal(t, 1, report.Requested)

	got := f.reload(t, o.ID)
	require.Equal(t, model.StatusAddressRequested, got.Status)
	require.NotNil(t, got.AddressRequestedAt)
	require.Contains(t, f.notes.kinds(), notify.AddressRequested)

	// The user supplies the address; the order goes out at the order window.
	addr := model.Address{Line1: "Trubarjeva 5", City: "Ljubljana", PostalCode: "1000", Country: "SI"}
	got, err = f.engine.ConfirmAddress(context.Background(), f.user.ID, o.ID, addr)
	require.NoError(t, err)
	require.Equal(t, model.StatusAddressConfirmed, got.Status)

	_, err = f.scheduler.Sweep(context.Background(), f.now.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Equal(t, model.StatusOrdered, f.reload(t, o.ID).Status)
}

func TestSweepOrdersWithAddressOnFile(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 3)

	report, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reserved)
	require.Equal(t, 1, report.Ordered)

	got := f.reload(t, o.ID)
	require.Equal(t, model.StatusOrdered, got.Status)
	require.Equal(t, fmt.Sprintf("ORD-%d", o.ID), got.ExternalOrderID)
	require.NotNil(t, got.ChargedAmount)

	w := f.wallet(t)
	requireMoney(t, "55", w.Balance)
	requireMoney(t, "55", w.AvailableBalance)
	require.Contains(t, f.notes.kinds(), notify.OrderPlaced)
}

func TestSweepWaitsForOrderWindowWithAddressOnFile(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 10)

	_, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, model.StatusFundsReserved, f.reload(t, o.ID).Status)
	require.Zero(t, f.orders.calls)
}

func TestPlaceOrderFailureKeepsHoldAndRetries(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 3)
	f.orders.err = fmt.Errorf("connection refused: %w", model.ErrDownstreamUnavailable)

	report, err := f.scheduler.Sweep(context.Background(), f.now)
	require.ErrorIs(t, err, model.ErrDownstreamUnavailable)
	require.Equal(t, 1, report.Failed)

	got := f.reload(t, o.ID)
	require.Equal(t, model.StatusError, got.Status)
	require.Equal(t, model.StatusFundsReserved, got.ResumeStatus)
	require.Contains(t, got.LastError, "connection refused")
	require.Contains(t, f.notes.kinds(), notify.AutomationError)

	w := f.wallet(t)
	requireMoney(t, "100", w.Balance)
	requireMoney(t, "55", w.AvailableBalance)

	f.orders.err = nil
	report, err = f.scheduler.Sweep(context.Background(), f.now.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Resumed)
	require.Equal(t, 1, report.Ordered)
	require.Equal(t, model.StatusOrdered, f.reload(t, o.ID).Status)
	requireMoney(t, "55", f.wallet(t).Balance)
}

func TestPlaceOrderRejectsIllegalState(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, false)
	o := f.occasion(t, r, 3)

	_, err := f.engine.PlaceOrder(context.Background(), f.user.ID, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	require.Zero(t, f.orders.calls)

	other, err := store.CreateUser(context.Background(), f.db, "bob", "hash", model.RoleUser)
	require.NoError(t, err)
	_, err = f.engine.PlaceOrder(context.Background(), other.ID, o.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveErrorManually(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 3)
	f.orders.err = model.ErrDownstreamUnavailable

	_, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	_, err = f.engine.PlaceOrder(context.Background(), f.user.ID, o.ID)
	require.ErrorIs(t, err, model.ErrDownstreamUnavailable)

	got, err := f.engine.ResolveError(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFundsReserved, got.Status)
}

func TestCancellationBeforeOrderIsRecorded(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 3)

	var cancelErr error
	f.orders.placed = func(orderID string) {
		_, _, cancelErr = f.engine.HandleOrderCancelled(context.Background(), orderID, "rejected by platform")
	}

	_, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	got, err := f.engine.PlaceOrder(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.ErrorIs(t, cancelErr, model.ErrDuplicateEvent)

	require.Equal(t, model.StatusPending, got.Status)
	require.False(t, got.AutomationEnabled)
	require.Empty(t, got.ExternalOrderID)
	require.Nil(t, got.ChargedAmount)

	w := f.wallet(t)
	requireMoney(t, "100", w.Balance)
	requireMoney(t, "100", w.AvailableBalance)
	require.Contains(t, f.notes.kinds(), notify.OrderCancelled)

	history, err := store.ListOccasionHistory(context.Background(), f.db, o.ID)
	require.NoError(t, err)
	var path []model.OccasionStatus
	for _, h := range history {
		path = append(path, h.To)
	}
	require.Equal(t, []model.OccasionStatus{
		model.StatusFundsReserved, model.StatusOrdered, model.StatusCancelled, model.StatusPending,
	}, path)

	// A redelivery after the reset finds nothing left to cancel.
	_, _, err = f.engine.HandleOrderCancelled(context.Background(), fmt.Sprintf("ORD-%d", o.ID), "")
	require.ErrorIs(t, err, model.ErrDuplicateEvent)
	requireMoney(t, "100", f.wallet(t).Balance)
}

func orderedFixture(t *testing.T) (*fixture, *model.Occasion) {
	t.Helper()
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 3)
	_, err := f.scheduler.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	o = f.reload(t, o.ID)
	require.Equal(t, model.StatusOrdered, o.Status)
	return f, o
}

func TestHandleOrderCancelledRefundsOnce(t *testing.T) {
	f, o := orderedFixture(t)
	requireMoney(t, "55", f.wallet(t).Balance)

	got, refund, err := f.engine.HandleOrderCancelled(context.Background(), o.ExternalOrderID, "")
	require.NoError(t, err)
	requireMoney(t, "45", refund.Amount)
	require.Equal(t, model.StatusPending, got.Status)
	require.False(t, got.AutomationEnabled)
	requireMoney(t, "100", f.wallet(t).Balance)

	_, _, err = f.engine.HandleOrderCancelled(context.Background(), o.ExternalOrderID, "")
	require.ErrorIs(t, err, model.ErrDuplicateEvent)
	requireMoney(t, "100", f.wallet(t).Balance)
	require.Contains(t, f.notes.kinds(), notify.OrderCancelled)
}

func TestHandleOrderFulfilled(t *testing.T) {
	f, o := orderedFixture(t)

	got, err := f.engine.HandleOrderFulfilled(context.Background(), o.ExternalOrderID, "TRK-9")
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, got.Status)
	require.Equal(t, "TRK-9", got.TrackingNumber)

	_, err = f.engine.HandleOrderFulfilled(context.Background(), o.ExternalOrderID, "TRK-9")
	require.ErrorIs(t, err, model.ErrDuplicateEvent)

	// Cancellation arriving after delivery is stale.
	_, _, err = f.engine.HandleOrderCancelled(context.Background(), o.ExternalOrderID, "")
	require.ErrorIs(t, err, model.ErrDuplicateEvent)
	requireMoney(t, "55", f.wallet(t).Balance)
}

func TestEnableAutomationReservesNearOccasion(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	birthday := time.Date(1991, time.October, 27, 0, 0, 0, 0, time.UTC)
	r, err := store.CreateRecipient(context.Background(), f.db, &model.Recipient{
		UserID: f.user.ID, Name: "Nina", Birthday: &birthday,
		Address: model.Address{Line1: "Cankarjeva 1", City: "Maribor", PostalCode: "2000", Country: "SI"},
	})
	require.NoError(t, err)

	budget := d("60")
	res, err := f.engine.EnableAutomation(context.Background(), f.user.ID, r.ID, model.TagCooking, &budget)
	require.NoError(t, err)
	require.True(t, res.Eligibility.Eligible)
	require.Len(t, res.Occasions, 1)
	require.Equal(t, model.StatusFundsReserved, res.Occasions[0].Status)
	require.Equal(t, "pan", res.Selection.Item.ID)

	stored, err := store.GetRecipient(context.Background(), f.db, f.user.ID, r.ID)
	require.NoError(t, err)
	require.True(t, stored.AutomationEnabled)
	require.Equal(t, model.TagCooking, stored.PreferredGiftTag)
}

func TestEnableAutomationFarOccasionOnlyPreviews(t *testing.T) {
	f := newFixture(t, model.TierPremium, "10")
	birthday := time.Date(1991, time.March, 1, 0, 0, 0, 0, time.UTC)
	r, err := store.CreateRecipient(context.Background(), f.db, &model.Recipient{
		UserID: f.user.ID, Name: "Nina", Birthday: &birthday,
	})
	require.NoError(t, err)

	res, err := f.engine.EnableAutomation(context.Background(), f.user.ID, r.ID, model.TagCooking, nil)
	require.NoError(t, err)
	require.False(t, res.Eligibility.Eligible)
	require.Equal(t, eligibility.ReasonInsufficientFunds, res.Eligibility.Reason)
	requireMoney(t, "35", res.Eligibility.Shortfall)
	require.Equal(t, model.StatusPending, res.Occasions[0].Status)
	requireMoney(t, "10", f.wallet(t).AvailableBalance)
}

func TestDisableAutomationKeepsHold(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 14)
	_, err := f.engine.ReserveFunds(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)

	got, err := f.engine.DisableAutomation(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	require.False(t, got.AutomationEnabled)
	require.True(t, got.WalletReserved)
	require.Equal(t, model.StatusFundsReserved, got.Status)
	requireMoney(t, "55", f.wallet(t).AvailableBalance)

	// Disabled occasions are skipped by the scheduler.
	report, err := f.scheduler.Sweep(context.Background(), f.now.AddDate(0, 0, 12))
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
}

func TestCoverage(t *testing.T) {
	f := newFixture(t, model.TierPremium, "120")
	r := f.recipient(t, true)
	reserved := f.occasion(t, r, 14)
	f.occasion(t, r, 30)
	f.occasion(t, r, 60)
	f.occasion(t, r, 90)

	_, err := f.engine.ReserveFunds(context.Background(), f.user.ID, reserved.ID)
	require.NoError(t, err)

	c, err := f.engine.Coverage(context.Background(), f.user.ID)
	require.NoError(t, err)
	requireMoney(t, "120", c.Balance)
	requireMoney(t, "75", c.AvailableBalance)
	requireMoney(t, "45", c.PendingReservations)
	require.Equal(t, 1, c.PendingCount)
	require.Equal(t, 3, c.UpcomingCount)
	require.Equal(t, 1, c.CoverageCount)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, model.TierPremium, "100")
	r := f.recipient(t, true)
	o := f.occasion(t, r, 14)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return f.scheduler.Run(ctx) })

	require.Eventually(t, func() bool {
		got, err := store.GetOccasion(context.Background(), f.db, o.ID)
		return err == nil && got.Status == model.StatusFundsReserved
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}
