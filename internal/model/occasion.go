package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OccasionStatus is the automation stage of an occasion.
type OccasionStatus string

// Occasion statuses.
const (
	StatusPending          OccasionStatus = "pending"
	StatusFundsReserved    OccasionStatus = "funds_reserved"
	StatusAddressRequested OccasionStatus = "address_requested"
	StatusAddressConfirmed OccasionStatus = "address_confirmed"
	StatusOrdered          OccasionStatus = "ordered"
	StatusDelivered        OccasionStatus = "delivered"
	StatusCancelled        OccasionStatus = "cancelled"
	StatusError            OccasionStatus = "error"
)

// transitions lists the legal target states for each state. A cancelled
// occasion may only be reset to pending so the recipient can be rescheduled;
// an errored one resumes at the stage that failed.
var transitions = map[OccasionStatus][]OccasionStatus{
	StatusPending:          {StatusFundsReserved, StatusCancelled, StatusError},
	StatusFundsReserved:    {StatusAddressRequested, StatusAddressConfirmed, StatusOrdered, StatusCancelled, StatusError},
	StatusAddressRequested: {StatusAddressConfirmed, StatusCancelled, StatusError},
	StatusAddressConfirmed: {StatusOrdered, StatusCancelled, StatusError},
	StatusOrdered:          {StatusDelivered, StatusCancelled, StatusError},
	StatusDelivered:        nil,
	StatusCancelled:        {StatusPending},
	StatusError:            {StatusPending, StatusFundsReserved, StatusAddressRequested, StatusAddressConfirmed, StatusOrdered, StatusCancelled},
}

// Transition validates a status change. It is the only place that decides
// whether one stage may follow another.
func Transition(from, to OccasionStatus) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// Valid reports whether s is a known status.
func (s OccasionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no automation step can follow s.
func (s OccasionStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Occasion types.
const (
	OccasionBirthday    = "birthday"
	OccasionAnniversary = "anniversary"
	OccasionCustom      = "custom"
)

// ValidOccasionType reports whether t is a known occasion type.
func ValidOccasionType(t string) bool {
	return t == OccasionBirthday || t == OccasionAnniversary || t == OccasionCustom
}

// Occasion is one dated, giftable event for a recipient.
type Occasion struct {
	ID                 int64            `json:"id"`
	RecipientID        int64            `json:"recipient_id"`
	UserID             int64            `json:"user_id"`
	Type               string           `json:"occasion_type"`
	Date               time.Time        `json:"occasion_date"`
	AutomationEnabled  bool             `json:"automation_enabled"`
	Status             OccasionStatus   `json:"status"`
	ResumeStatus       OccasionStatus   `json:"resume_status,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	Budget             decimal.Decimal  `json:"budget"`
	WalletReserved     bool             `json:"wallet_reserved"`
	ReservationAmount  decimal.Decimal  `json:"reservation_amount"`
	ChargedAmount      *decimal.Decimal `json:"charged_amount,omitempty"`
	GiftReference      string           `json:"gift_reference,omitempty"`
	GiftDescription    string           `json:"gift_description,omitempty"`
	AddressRequestedAt *time.Time       `json:"address_requested_at,omitempty"`
	AddressConfirmedAt *time.Time       `json:"address_confirmed_at,omitempty"`
	GiftConfirmedAt    *time.Time       `json:"gift_confirmed_at,omitempty"`
	ExternalOrderID    string           `json:"external_order_id,omitempty"`
	TrackingNumber     string           `json:"tracking_number,omitempty"`
	DeliveryDate       *time.Time       `json:"delivery_date,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`

	// Joined fields (not always populated).
	RecipientName string `json:"recipient_name,omitempty"`
}

// DaysUntil returns the whole number of days from now until the occasion date.
// Negative values mean the date has passed.
func (o *Occasion) DaysUntil(now time.Time) int {
	return DaysBetween(now, o.Date)
}

// OccasionTransition is an audit record of one status change.
type OccasionTransition struct {
	ID         int64          `json:"id"`
	OccasionID int64          `json:"occasion_id"`
	From       OccasionStatus `json:"from_status"`
	To         OccasionStatus `json:"to_status"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DaysBetween counts calendar days from a to b in UTC.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextOccurrence returns the first anniversary of date on or after from.
// February 29 falls back to February 28 in non-leap years.
func NextOccurrence(date, from time.Time) time.Time {
	from = Day(from)
	for year := from.Year(); ; year++ {
		next := anniversaryIn(date, year)
		if !next.Before(from) {
			return next
		}
	}
}

func anniversaryIn(date time.Time, year int) time.Time {
	month, day := date.Month(), date.Day()
	if month == time.February && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
