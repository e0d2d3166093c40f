package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// maxStepsPerSweep bounds how far one occasion advances in a single sweep.
// An occasion created inside the order window can go pending, reserved and
// ordered in one pass.
const maxStepsPerSweep = 4

// Scheduler periodically advances automated occasions whose lead-time
// windows have opened.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Scanned   int
	Reserved  int
	Requested int
	Ordered   int
	Resumed   int
	Refused   int
	Failed    int
}

// Sweep advances every automation-enabled, non-terminal occasion as far as
// its lead-time windows allow at now. A failing occasion is logged and
// counted; it never stops the sweep. The returned error joins the
// per-occasion failures.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	occasions, err := store.ListAutomatedOccasions(ctx, s.Engine.DB)
	if err != nil {
		s.Engine.Metrics.ObserveSchedulerRun(err)
		return report, fmt.Errorf("listing automated occasions: %w", err)
	}

	var errs []error
	for i := range occasions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Scanned++
		if err := s.advance(ctx, &occasions[i], now, &report); err != nil {
			report.Failed++
			errs = append(errs, err)
			if errors.Is(err, model.ErrDownstreamUnavailable) {
				slog.Warn("scheduler step failed, will retry next sweep", "occasion", occasions[i].ID, "error", err)
			} else {
				slog.Error("scheduler step failed", "occasion", occasions[i].ID, "error", err)
			}
		}
	}

	err = errors.Join(errs...)
	s.Engine.Metrics.ObserveSchedulerRun(err)
	s.Engine.Metrics.RefreshPendingReservations(ctx, s.Engine.DB)
	slog.Info("scheduler sweep finished", "scanned", report.Scanned, "reserved", report.Reserved,
		"address_requested", report.Requested, "ordered", report.Ordered, "resumed", report.Resumed,
		"refused", report.Refused, "failed", report.Failed)
	return report, err
}

// advance runs the steps due for one occasion.
func (s *Scheduler) advance(ctx context.Context, o *model.Occasion, now time.Time, report *SweepReport) error {
	e := s.Engine
	p := e.Policy

	for step := 0; step < maxStepsPerSweep; step++ {
		days := o.DaysUntil(now)
		if days < 0 {
			return nil
		}

		var next *model.Occasion
		var err error
		switch o.Status {
		case model.StatusError:
			if days > p.ReserveLeadDays {
				return nil
			}
			next, err = e.ResolveError(ctx, 0, o.ID)
			if err == nil {
				report.Resumed++
			}

		case model.StatusPending:
			if days > p.ReserveLeadDays {
				return nil
			}
			var out *Outcome
			out, err = e.ReserveFunds(ctx, 0, o.ID)
			if err == nil {
				next = out.Occasion
				if out.Eligibility != nil && !out.Eligibility.Eligible {
					report.Refused++
					return nil
				}
				report.Reserved++
			}

		case model.StatusFundsReserved:
			if days > p.AddressLeadDays {
				return nil
			}
			complete, cerr := s.addressComplete(ctx, o)
			if cerr != nil {
				return cerr
			}
			switch {
			case !complete:
				next, err = e.RequestAddress(ctx, o.ID)
				if err == nil {
					report.Requested++
				}
			case days <= p.OrderLeadDays:
				next, err = e.PlaceOrder(ctx, 0, o.ID)
				if err == nil {
					report.Ordered++
				}
			default:
				return nil
			}

		case model.StatusAddressConfirmed:
			if days > p.OrderLeadDays {
				return nil
			}
			next, err = e.PlaceOrder(ctx, 0, o.ID)
			if err == nil {
				report.Ordered++
			}

		default:
			// address_requested waits for the user; ordered waits for the
			// fulfillment platform.
			return nil
		}

		if err != nil {
			return fmt.Errorf("occasion %d (%s): %w", o.ID, o.Status, err)
		}
		if next == nil || next.Status == o.Status {
			return nil
		}
		*o = *next
	}
	return nil
}

func (s *Scheduler) addressComplete(ctx context.Context, o *model.Occasion) (bool, error) {
	r, err := store.GetRecipient(ctx, s.Engine.DB, o.UserID, o.RecipientID)
	if err != nil {
		return false, err
	}
	return r != nil && r.Address.Complete(), nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	slog.Info("scheduler started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx, s.Engine.now())

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
