// Package automation drives occasions through gift selection, fund
// reservation, address collection and ordering.
package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/eligibility"
	"github.com/erazemk/darilo/internal/fulfillment"
	"github.com/erazemk/darilo/internal/gift"
	"github.com/erazemk/darilo/internal/metrics"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/notify"
	"github.com/erazemk/darilo/internal/store"
)

// Policy holds the lead-time windows and money policy.
type Policy struct {
	ReserveLeadDays int
	AddressLeadDays int
	OrderLeadDays   int
	DefaultBudget   decimal.Decimal
	// ChargeOnOrder settles the hold as a charge when the order is accepted
	// instead of when it is fulfilled.
	ChargeOnOrder bool
	OrderTimeout  time.Duration
}

// DefaultPolicy returns the stock lead times: reserve 14 days ahead, ask for
// an address 10 days ahead, order 3 days ahead.
func DefaultPolicy() Policy {
	return Policy{
		ReserveLeadDays: 14,
		AddressLeadDays: 10,
		OrderLeadDays:   3,
		DefaultBudget:   decimal.NewFromInt(50),
		ChargeOnOrder:   true,
		OrderTimeout:    10 * time.Second,
	}
}

// Engine performs occasion state changes. Money and status changes happen in
// the store, one database transaction each; the engine adds selection,
// eligibility, downstream calls, logging and notifications around them.
type Engine struct {
	DB       *sql.DB
	Selector *gift.Selector
	Checker  *eligibility.Checker
	Orders   fulfillment.OrderPlacer
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Policy   Policy
	Now      func() time.Time
}

// NewEngine wires an engine to the store-backed catalog, capability and
// balance sources.
func NewEngine(db *sql.DB, orders fulfillment.OrderPlacer, notifier notify.Notifier, m *metrics.Metrics, policy Policy) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Engine{
		DB:       db,
		Selector: &gift.Selector{Catalog: store.CatalogStore{DB: db}},
		Checker: &eligibility.Checker{
			Capabilities: store.Capabilities{DB: db},
			Balances:     store.Balances{DB: db},
		},
		Orders:   orders,
		Notifier: notifier,
		Metrics:  m,
		Policy:   policy,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) budgetFor(o *model.Occasion) decimal.Decimal {
	if o.Budget.IsPositive() {
		return o.Budget
	}
	return e.Policy.DefaultBudget
}

func (e *Engine) logTransition(o *model.Occasion, from model.OccasionStatus, attrs ...any) {
	if o == nil || o.Status == from {
		return
	}
	args := append([]any{"occasion", o.ID, "from", from, "to", o.Status}, attrs...)
	slog.Info("occasion transition", args...)
	e.Metrics.ObserveTransition(string(o.Status))
}

// loadOccasion returns the occasion, checking ownership unless userID is 0.
func (e *Engine) loadOccasion(ctx context.Context, userID, id int64) (*model.Occasion, error) {
	o, err := store.GetOccasion(ctx, e.DB, id)
	if err != nil {
		return nil, err
	}
	if o == nil || (userID != 0 && o.UserID != userID) {
		return nil, fmt.Errorf("occasion %d: %w", id, model.ErrNotFound)
	}
	return o, nil
}

// Outcome is the result of an automation step. Eligibility is set when the
// step evaluated one.
type Outcome struct {
	Occasion    *model.Occasion     `json:"occasion"`
	Eligibility *eligibility.Result `json:"eligibility,omitempty"`
	Selection   *gift.Selection     `json:"selection,omitempty"`
}

// selectGift picks the recipient's default gift when it is orderable within
// budget, and otherwise runs the selector.
func (e *Engine) selectGift(ctx context.Context, r *model.Recipient, budget decimal.Decimal) (gift.Selection, error) {
	if r.DefaultGiftReference != "" {
		item, err := store.GetCatalogItem(ctx, e.DB, r.DefaultGiftReference)
		if err != nil {
			return gift.Selection{}, err
		}
		if item != nil && item.InStock() && item.Price.LessThanOrEqual(budget) {
			return gift.Selection{Item: item, Tier: gift.TierDefault}, nil
		}
	}
	return e.Selector.Choose(ctx, r.PreferredGiftTag, budget)
}

// ReserveFunds moves a pending occasion to funds_reserved. An ineligible
// occasion stays pending and the outcome carries the reason; that is not an
// error. Occasions already past pending are returned unchanged.
func (e *Engine) ReserveFunds(ctx context.Context, userID, occasionID int64) (*Outcome, error) {
	o, err := e.loadOccasion(ctx, userID, occasionID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusPending {
		if o.WalletReserved {
			return &Outcome{Occasion: o}, nil
		}
		return nil, model.Transition(o.Status, model.StatusFundsReserved)
	}

	r, err := store.GetRecipient(ctx, e.DB, o.UserID, o.RecipientID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("recipient %d: %w", o.RecipientID, model.ErrNotFound)
	}

	sel, err := e.selectGift(ctx, r, e.budgetFor(o))
	if err != nil {
		return nil, err
	}
	result, err := e.Checker.CheckSelection(ctx, o.UserID, sel)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Occasion: o, Eligibility: &result, Selection: &sel}

	if !result.Eligible {
		e.refused(o, result)
		return out, nil
	}

	reserved, hold, err := store.ReserveOccasion(ctx, e.DB, o.ID, *sel.Item, "funds reserved")
	var insufficient *model.InsufficientFundsError
	if errors.As(err, &insufficient) {
		// Another reservation took the headroom between check and reserve.
		result = eligibility.Result{
			Reason:           eligibility.ReasonInsufficientFunds,
			Message:          insufficient.Error(),
			AvailableBalance: insufficient.Available,
			EstimatedCost:    insufficient.Required,
			Shortfall:        insufficient.Shortfall(),
		}
		out.Eligibility = &result
		e.refused(o, result)
		return out, nil
	}
	if err != nil {
		e.Metrics.ObserveReservation("error")
		return nil, fmt.Errorf("reserving funds for occasion %d: %w", o.ID, err)
	}

	e.Metrics.ObserveReservation("reserved")
	e.logTransition(reserved, model.StatusPending,
		"gift", sel.Item.ID, "tier", sel.Tier, "amount", hold.Amount.StringFixed(2))
	out.Occasion = reserved
	return out, nil
}

func (e *Engine) refused(o *model.Occasion, result eligibility.Result) {
	e.Metrics.ObserveReservation(string(result.Reason))
	slog.Info("occasion not eligible", "occasion", o.ID, "reason", result.Reason,
		"available", result.AvailableBalance.StringFixed(2), "shortfall", result.Shortfall.StringFixed(2))
	if result.Reason == eligibility.ReasonInsufficientFunds || result.Reason == eligibility.ReasonNoCatalogMatch {
		e.Notifier.Notify(notify.Message{
			UserID: o.UserID, OccasionID: o.ID, Kind: notify.FundsLow, Text: result.Message,
		})
	}
}

// RequestAddress moves a funds_reserved occasion to address_requested when
// the recipient has no complete address. With an address on file it does
// nothing.
func (e *Engine) RequestAddress(ctx context.Context, occasionID int64) (*model.Occasion, error) {
	o, err := e.loadOccasion(ctx, 0, occasionID)
	if err != nil {
		return nil, err
	}
	if o.Status == model.StatusAddressRequested {
		return o, nil
	}

	r, err := store.GetRecipient(ctx, e.DB, o.UserID, o.RecipientID)
	if err != nil {
		return nil, err
	}
	if r != nil && r.Address.Complete() {
		return o, nil
	}

	updated, err := store.MarkAddressRequested(ctx, e.DB, o.ID, e.now())
	if err != nil {
		return nil, err
	}
	e.logTransition(updated, o.Status)
	e.Notifier.Notify(notify.Message{
		UserID: o.UserID, OccasionID: o.ID, Kind: notify.AddressRequested,
		Text: fmt.Sprintf("Where should we send %s's gift?", o.RecipientName),
	})
	return updated, nil
}

// ConfirmAddress stores the address and moves the occasion to
// address_confirmed.
func (e *Engine) ConfirmAddress(ctx context.Context, userID, occasionID int64, addr model.Address) (*model.Occasion, error) {
	before, err := e.loadOccasion(ctx, userID, occasionID)
	if err != nil {
		return nil, err
	}
	o, err := store.ConfirmAddress(ctx, e.DB, userID, occasionID, addr, e.now())
	if err != nil {
		return nil, err
	}
	e.logTransition(o, before.Status)
	return o, nil
}

// ConfirmGift records gift approval, confirming the address too when it is
// complete.
func (e *Engine) ConfirmGift(ctx context.Context, userID, occasionID int64) (*model.Occasion, error) {
	before, err := e.loadOccasion(ctx, userID, occasionID)
	if err != nil {
		return nil, err
	}
	o, err := store.ConfirmGift(ctx, e.DB, userID, occasionID, e.now())
	if err != nil {
		return nil, err
	}
	e.logTransition(o, before.Status)
	return o, nil
}

// PlaceOrder creates the external order for an occasion that is
// address_confirmed, or funds_reserved with an address on file. A downstream
// failure moves the occasion to error with the hold intact and returns an
// error wrapping model.ErrDownstreamUnavailable. An order the platform
// cancelled before it was recorded comes back pending with the hold released.
func (e *Engine) PlaceOrder(ctx context.Context, userID, occasionID int64) (*model.Occasion, error) {
	o, err := e.loadOccasion(ctx, userID, occasionID)
	if err != nil {
		return nil, err
	}
	if o.Status == model.StatusOrdered {
		return o, nil
	}

	r, err := store.GetRecipient(ctx, e.DB, o.UserID, o.RecipientID)
	if err != nil {
		return nil, err
	}
	complete := r != nil && r.Address.Complete()

	switch {
	case o.Status == model.StatusAddressConfirmed && complete:
	case o.Status == model.StatusFundsReserved && complete:
	default:
		return nil, &model.TransitionError{From: o.Status, To: model.StatusOrdered}
	}

	attempt, err := store.CountOccasionCancellations(ctx, e.DB, o.ID)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if e.Policy.OrderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.Policy.OrderTimeout)
		defer cancel()
	}

	res, err := e.Orders.CreateOrder(callCtx, fulfillment.OrderRequest{
		OccasionID: o.ID,
		Attempt:    attempt,
		ItemID:     o.GiftReference,
		Price:      o.ReservationAmount,
		Recipient:  r.Name,
		Address:    r.Address,
		DeliverBy:  o.Date.Format(time.DateOnly),
	})
	e.Metrics.ObserveFulfillmentCall(err)
	if err != nil {
		if !errors.Is(err, model.ErrDownstreamUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrDownstreamUnavailable, err)
		}
		return e.fail(ctx, o, fmt.Errorf("placing order for occasion %d: %w", o.ID, err))
	}

	ordered, err := store.RecordOrderPlaced(ctx, e.DB, o.ID, res.OrderID, e.Policy.ChargeOnOrder)
	if err != nil {
		// The platform has the order; the idempotency key makes the retry
		// return the same order id.
		slog.Error("recording placed order", "occasion", o.ID, "order", res.OrderID, "error", err)
		return e.fail(ctx, o, fmt.Errorf("recording order %s for occasion %d: %w", res.OrderID, o.ID, err))
	}

	if ordered.Status == model.StatusPending {
		e.Metrics.ObserveTransition(string(model.StatusCancelled))
		e.logTransition(ordered, o.Status, "order", res.OrderID, "cancelled_early", true)
		e.Notifier.Notify(notify.Message{
			UserID: o.UserID, OccasionID: o.ID, Kind: notify.OrderCancelled,
			Text: fmt.Sprintf("The order for %s was cancelled; %s is back in your wallet.",
				o.RecipientName, o.ReservationAmount.StringFixed(2)),
		})
		return ordered, nil
	}

	e.logTransition(ordered, o.Status, "order", res.OrderID, "charged", ordered.ChargedAmount != nil)
	e.Notifier.Notify(notify.Message{
		UserID: o.UserID, OccasionID: o.ID, Kind: notify.OrderPlaced,
		Text: fmt.Sprintf("We ordered %s for %s.", o.GiftDescription, o.RecipientName),
	})
	return ordered, nil
}

// fail moves the occasion to error and returns cause.
func (e *Engine) fail(ctx context.Context, o *model.Occasion, cause error) (*model.Occasion, error) {
	errored, err := store.RecordOccasionError(ctx, e.DB, o.ID, cause.Error())
	if err != nil {
		slog.Error("recording occasion error", "occasion", o.ID, "cause", cause, "error", err)
		return nil, errors.Join(cause, err)
	}
	e.logTransition(errored, o.Status, "error", cause)
	slog.Warn("occasion needs attention", "occasion", o.ID, "resume", errored.ResumeStatus, "error", cause)
	e.Notifier.Notify(notify.Message{
		UserID: o.UserID, OccasionID: o.ID, Kind: notify.AutomationError,
		Text: fmt.Sprintf("We could not complete %s's gift: %v", o.RecipientName, cause),
	})
	return errored, cause
}

// ResolveError resumes an errored occasion at the stage that failed. userID
// 0 is the scheduler.
func (e *Engine) ResolveError(ctx context.Context, userID, occasionID int64) (*model.Occasion, error) {
	o, err := store.ResumeOccasion(ctx, e.DB, userID, occasionID, "error resolved")
	if err != nil {
		return nil, err
	}
	e.logTransition(o, model.StatusError)
	return o, nil
}

// EnableResult is the response to enabling automation for a recipient.
type EnableResult struct {
	Recipient   *model.Recipient   `json:"recipient"`
	Occasions   []model.Occasion   `json:"occasions"`
	Eligibility eligibility.Result `json:"eligibility"`
	Selection   gift.Selection     `json:"selection"`
}

// EnableAutomation turns on automation for a recipient with the given
// preference and budget (nil keeps the default). It schedules the next
// birthday and anniversary when missing, evaluates eligibility for the
// nearest occasion and reserves funds immediately when that occasion is
// already inside the reserve window.
func (e *Engine) EnableAutomation(ctx context.Context, userID, recipientID int64, tag string, budget *decimal.Decimal) (*EnableResult, error) {
	r, err := store.GetRecipient(ctx, e.DB, userID, recipientID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("recipient %d: %w", recipientID, model.ErrNotFound)
	}

	b := e.Policy.DefaultBudget
	if budget != nil {
		b = *budget
	}
	if b.IsNegative() {
		return nil, fmt.Errorf("budget must not be negative")
	}

	if err := store.SetRecipientAutomation(ctx, e.DB, userID, recipientID, tag, true); err != nil {
		return nil, err
	}
	r.PreferredGiftTag = tag
	r.AutomationEnabled = true

	now := e.now()
	upcoming, err := store.EnsureUpcomingOccasions(ctx, e.DB, userID, recipientID, now, b)
	if err != nil {
		return nil, err
	}
	for i, o := range upcoming {
		var newBudget *decimal.Decimal
		if o.Status == model.StatusPending {
			newBudget = &b
		}
		updated, err := store.UpdateOccasionAutomation(ctx, e.DB, userID, o.ID, true, newBudget)
		if err != nil {
			return nil, err
		}
		upcoming[i] = *updated
	}

	sel, err := e.selectGift(ctx, r, b)
	if err != nil {
		return nil, err
	}
	result, err := e.Checker.CheckSelection(ctx, userID, sel)
	if err != nil {
		return nil, err
	}
	slog.Info("automation enabled", "user", userID, "recipient", recipientID, "tag", tag,
		"budget", b.StringFixed(2), "eligible", result.Eligible, "reason", result.Reason)

	if len(upcoming) > 0 {
		nearest := upcoming[0]
		if nearest.Status == model.StatusPending && nearest.DaysUntil(now) <= e.Policy.ReserveLeadDays {
			out, err := e.ReserveFunds(ctx, userID, nearest.ID)
			if err != nil {
				return nil, err
			}
			upcoming[0] = *out.Occasion
			if out.Eligibility != nil {
				result = *out.Eligibility
			}
		}
	}

	return &EnableResult{Recipient: r, Occasions: upcoming, Eligibility: result, Selection: sel}, nil
}

// DisableAutomation turns automation off for one occasion. Held money stays
// held; only the order-cancellation path releases it.
func (e *Engine) DisableAutomation(ctx context.Context, userID, occasionID int64) (*model.Occasion, error) {
	o, err := store.UpdateOccasionAutomation(ctx, e.DB, userID, occasionID, false, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("automation disabled", "occasion", o.ID, "status", o.Status, "wallet_reserved", o.WalletReserved)
	return o, nil
}

// Preview evaluates eligibility for an estimated cost without changing
// anything.
func (e *Engine) Preview(ctx context.Context, userID int64, estimatedCost decimal.Decimal) (eligibility.Result, error) {
	return e.Checker.Check(ctx, userID, estimatedCost)
}

// Coverage summarizes how far the wallet stretches over upcoming occasions.
type Coverage struct {
	Balance             decimal.Decimal `json:"balance"`
	AvailableBalance    decimal.Decimal `json:"available_balance"`
	PendingReservations decimal.Decimal `json:"pending_reservations"`
	PendingCount        int             `json:"pending_count"`
	CoverageCount       int             `json:"coverage_count"`
	UpcomingCount       int             `json:"upcoming_count"`
}

// Coverage counts how many upcoming automated occasions without a hold the
// available balance can fund, in date order at their budgets.
func (e *Engine) Coverage(ctx context.Context, userID int64) (*Coverage, error) {
	summary, err := store.GetWalletSummary(ctx, e.DB, userID)
	if err != nil {
		return nil, err
	}
	occasions, err := store.ListOccasions(ctx, e.DB, userID)
	if err != nil {
		return nil, err
	}

	c := &Coverage{
		Balance:             summary.Balance,
		AvailableBalance:    summary.AvailableBalance,
		PendingReservations: summary.PendingReserved,
		PendingCount:        summary.PendingReservation,
	}

	today := model.Day(e.now())
	remaining := summary.AvailableBalance
	funding := true
	for i := range occasions {
		o := &occasions[i]
		if !o.AutomationEnabled || o.Status != model.StatusPending || o.Date.Before(today) {
			continue
		}
		c.UpcomingCount++
		cost := e.budgetFor(o)
		if funding && cost.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(cost)
			c.CoverageCount++
			continue
		}
		funding = false
	}
	return c, nil
}

// HandleOrderFulfilled reconciles a fulfilled order. Unknown or already
// delivered orders return model.ErrDuplicateEvent.
func (e *Engine) HandleOrderFulfilled(ctx context.Context, externalOrderID, tracking string) (*model.Occasion, error) {
	delivered, next, err := store.FulfillOrder(ctx, e.DB, externalOrderID, tracking, e.now())
	if err != nil {
		return nil, err
	}
	e.logTransition(delivered, model.StatusOrdered, "order", externalOrderID, "tracking", tracking)
	if next != nil {
		slog.Info("next occasion scheduled", "occasion", next.ID, "recipient", next.RecipientID,
			"date", next.Date.Format(time.DateOnly))
	}
	e.Notifier.Notify(notify.Message{
		UserID: delivered.UserID, OccasionID: delivered.ID, Kind: notify.OrderDelivered,
		Text: fmt.Sprintf("%s's gift is on its way (tracking %s).", delivered.RecipientName, tracking),
	})
	return delivered, nil
}

// HandleOrderCancelled refunds and resets the occasion linked to the order.
// It runs at most once per order; repeats and cancellations of delivered
// orders return model.ErrDuplicateEvent without moving money.
func (e *Engine) HandleOrderCancelled(ctx context.Context, externalOrderID, reason string) (*model.Occasion, *model.LedgerTransaction, error) {
	if reason == "" {
		reason = "order cancelled"
	}
	o, refund, err := store.CancelOrder(ctx, e.DB, externalOrderID, reason)
	if errors.Is(err, model.ErrDuplicateEvent) {
		if existing, lookupErr := store.GetOccasionByOrder(ctx, e.DB, externalOrderID); lookupErr == nil &&
			existing != nil && existing.Status == model.StatusDelivered {
			slog.Warn("cancellation for delivered order ignored", "order", externalOrderID, "occasion", existing.ID)
		}
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	e.Metrics.ObserveTransition(string(model.StatusCancelled))
	e.logTransition(o, model.StatusCancelled, "order", externalOrderID)

	amount := decimal.Zero
	if refund != nil {
		amount = refund.Amount
	}
	slog.Info("order cancelled", "occasion", o.ID, "order", externalOrderID, "refund", amount.StringFixed(2))
	e.Notifier.Notify(notify.Message{
		UserID: o.UserID, OccasionID: o.ID, Kind: notify.OrderCancelled,
		Text: fmt.Sprintf("The order for %s was cancelled; %s is back in your wallet.", o.RecipientName, amount.StringFixed(2)),
	})
	return o, refund, nil
}
