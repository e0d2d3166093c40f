// Package eligibility decides whether an occasion may be automated.
package eligibility

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/gift"
)

// Reason explains why automation was refused.
type Reason string

// Refusal reasons.
const (
	ReasonNone                 Reason = ""
	ReasonSubscriptionRequired Reason = "subscription_required"
	ReasonInsufficientFunds    Reason = "insufficient_funds"
	ReasonNoCatalogMatch       Reason = "no_catalog_match"
)

// CapabilityChecker reports whether a user may use automation at all.
type CapabilityChecker interface {
	HasAutomationCapability(ctx context.Context, userID int64) (bool, error)
}

// BalanceReader reads a user's available balance.
type BalanceReader interface {
	AvailableBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

// Result is an eligibility decision with the numbers behind it.
type Result struct {
	Eligible         bool            `json:"eligible"`
	Reason           Reason          `json:"reason,omitempty"`
	Message          string          `json:"message"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	Shortfall        decimal.Decimal `json:"shortfall"`
}

// Checker composes capability and balance into a decision. It never
// mutates anything.
type Checker struct {
	Capabilities CapabilityChecker
	Balances     BalanceReader
}

// Check decides whether userID can cover estimatedCost with automation.
func (c *Checker) Check(ctx context.Context, userID int64, estimatedCost decimal.Decimal) (Result, error) {
	ok, err := c.Capabilities.HasAutomationCapability(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("checking automation capability: %w", err)
	}

	available, err := c.Balances.AvailableBalance(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("reading available balance: %w", err)
	}

	r := Result{AvailableBalance: available, EstimatedCost: estimatedCost}
	switch {
	case !ok:
		r.Reason = ReasonSubscriptionRequired
		r.Message = "Gift automation needs a premium subscription."
	case available.LessThan(estimatedCost):
		r.Reason = ReasonInsufficientFunds
		r.Shortfall = estimatedCost.Sub(available)
		r.Message = fmt.Sprintf("Add %s to your wallet to cover this gift (available %s, needed %s).",
			r.Shortfall.StringFixed(2), available.StringFixed(2), estimatedCost.StringFixed(2))
	default:
		r.Eligible = true
		r.Message = "Your wallet covers this gift."
	}
	return r, nil
}

// CheckSelection runs Check against the selected gift's price. When the
// catalog has nothing within budget the result carries no_catalog_match and
// the shortfall to the cheapest option.
func (c *Checker) CheckSelection(ctx context.Context, userID int64, sel gift.Selection) (Result, error) {
	if sel.Found() {
		return c.Check(ctx, userID, sel.Item.Price)
	}

	r, err := c.Check(ctx, userID, decimal.Zero)
	if err != nil {
		return Result{}, err
	}
	if r.Reason == ReasonSubscriptionRequired {
		return r, nil
	}
	r.Eligible = false
	r.Reason = ReasonNoCatalogMatch
	if sel.Cheapest != nil {
		r.EstimatedCost = sel.Cheapest.Price
		r.Shortfall = sel.Shortfall
		r.Message = fmt.Sprintf("No gift fits the budget; the cheapest option costs %s more.",
			sel.Shortfall.StringFixed(2))
	} else {
		r.Message = "No gift is available for this preference right now."
	}
	return r, nil
}
