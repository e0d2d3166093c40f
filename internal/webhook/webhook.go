// Package webhook receives signed deliveries from the payment gateway and the
// fulfillment platform and reconciles them against the ledger and occasions.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/metrics"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// Delivery sources.
const (
	SourceFulfillment = "fulfillment"
	SourcePayments    = "payments"
)

// Fulfillment topics.
const (
	TopicOrderFulfilled = "orders/fulfilled"
	TopicOrderCancelled = "orders/cancelled"
)

// Payment event types.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventChargeRefunded    = "charge.refunded"
)

// Request headers.
const (
	HeaderFulfillmentSignature = "X-Fulfillment-Hmac-Sha256"
	HeaderFulfillmentTopic     = "X-Fulfillment-Topic"
	HeaderFulfillmentEventID   = "X-Fulfillment-Event-Id"
	HeaderPaymentSignature     = "Payment-Signature"
)

const maxBodyBytes = 1 << 20

// eventNamespace derives ids for deliveries that arrive without one.
var eventNamespace = uuid.MustParse("b3e0d7a4-5c1f-4a8e-9f26-7d41c0e5a9b3")

// OrderReconciler applies order lifecycle events.
type OrderReconciler interface {
	HandleOrderFulfilled(ctx context.Context, externalOrderID, tracking string) (*model.Occasion, error)
	HandleOrderCancelled(ctx context.Context, externalOrderID, reason string) (*model.Occasion, *model.LedgerTransaction, error)
}

// Handler serves both webhook endpoints.
type Handler struct {
	DB                *sql.DB
	Orders            OrderReconciler
	Metrics           *metrics.Metrics
	FulfillmentSecret string
	PaymentSecret     string
	PaymentTolerance  time.Duration
	Now               func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register mounts the webhook routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/fulfillment", h.Fulfillment)
	mux.HandleFunc("POST /webhooks/payments", h.Payments)
}

// SignFulfillment returns the fulfillment signature header value for body.
func SignFulfillment(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyFulfillment checks a fulfillment signature in constant time.
func VerifyFulfillment(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return model.ErrInvalidSignature
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return model.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return model.ErrInvalidSignature
	}
	return nil
}

// SignPayment returns the payment signature header value for body at t.
func SignPayment(secret string, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayment checks a payment signature header of the form
// "t=<unix>,v1=<hex>". Any v1 entry may match; the timestamp must be within
// tolerance of now.
func VerifyPayment(secret string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	if secret == "" || header == "" {
		return model.ErrInvalidSignature
	}

	var ts string
	var sigs [][]byte
	for part := range strings.SplitSeq(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return model.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return model.ErrInvalidSignature
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", model.ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return model.ErrInvalidSignature
}

// readBody reads the raw request body before anything decodes it.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *Handler) rejectSignature(w http.ResponseWriter, r *http.Request, source string, err error) {
	slog.Warn("webhook signature verification failed",
		"security_event", true,
		"source", source,
		"remote_addr", r.RemoteAddr,
		"error", err,
	)
	h.Metrics.ObserveWebhook(source, "rejected")
	http.Error(w, "invalid signature", http.StatusUnauthorized)
}

// eventID returns the delivery's event id, deriving one from the body when
// the sender did not supply it.
func eventID(given string, body []byte) string {
	if given != "" {
		return given
	}
	return uuid.NewSHA1(eventNamespace, body).String()
}

// seen reports whether the delivery was already processed.
func (h *Handler) seen(ctx context.Context, source, id string) (bool, error) {
	return store.HasWebhookEvent(ctx, h.DB, source, id)
}

// finish records the delivery and writes the response for the outcome.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, source, id, eventType string, err error) {
	switch {
	case err == nil:
		if _, recErr := store.RecordWebhookEvent(r.Context(), h.DB, source, id, eventType); recErr != nil {
			slog.Error("recording webhook event", "source", source, "event", id, "error", recErr)
		}
		h.Metrics.ObserveWebhook(source, "processed")
		w.WriteHeader(http.StatusOK)

	case errors.Is(err, model.ErrDuplicateEvent):
		if _, recErr := store.RecordWebhookEvent(r.Context(), h.DB, source, id, eventType); recErr != nil {
			slog.Error("recording webhook event", "source", source, "event", id, "error", recErr)
		}
		slog.Info("webhook acknowledged as duplicate", "source", source, "event", id, "type", eventType)
		h.Metrics.ObserveWebhook(source, "duplicate")
		w.WriteHeader(http.StatusOK)

	case errors.Is(err, errUnsupported):
		slog.Info("webhook event ignored", "source", source, "event", id, "type", eventType)
		h.Metrics.ObserveWebhook(source, "ignored")
		w.WriteHeader(http.StatusOK)

	case errors.Is(err, errMalformed):
		slog.Warn("malformed webhook payload", "source", source, "event", id, "error", err)
		h.Metrics.ObserveWebhook(source, "malformed")
		http.Error(w, err.Error(), http.StatusBadRequest)

	default:
		// Not recorded, so the sender's retry is processed again.
		slog.Error("webhook processing failed", "source", source, "event", id, "type", eventType, "error", err)
		h.Metrics.ObserveWebhook(source, "failed")
		http.Error(w, "processing failed", http.StatusInternalServerError)
	}
}

var (
	errUnsupported = errors.New("unsupported event type")
	errMalformed   = errors.New("malformed payload")
)

type fulfillmentPayload struct {
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
	Reason         string `json:"reason"`
}

// Fulfillment handles POST /webhooks/fulfillment.
func (h *Handler) Fulfillment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := VerifyFulfillment(h.FulfillmentSecret, body, r.Header.Get(HeaderFulfillmentSignature)); err != nil {
		h.rejectSignature(w, r, SourceFulfillment, err)
		return
	}

	topic := r.Header.Get(HeaderFulfillmentTopic)
	id := eventID(r.Header.Get(HeaderFulfillmentEventID), body)

	if dup, err := h.seen(r.Context(), SourceFulfillment, id); err != nil {
		h.finish(w, r, SourceFulfillment, id, topic, err)
		return
	} else if dup {
		h.finish(w, r, SourceFulfillment, id, topic, model.ErrDuplicateEvent)
		return
	}

	h.finish(w, r, SourceFulfillment, id, topic, h.applyFulfillment(r.Context(), topic, body))
}

func (h *Handler) applyFulfillment(ctx context.Context, topic string, body []byte) error {
	var p fulfillmentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.OrderID == "" {
		return fmt.Errorf("%w: order_id is required", errMalformed)
	}

	switch topic {
	case TopicOrderFulfilled:
		_, err := h.Orders.HandleOrderFulfilled(ctx, p.OrderID, p.TrackingNumber)
		return err
	case TopicOrderCancelled:
		_, _, err := h.Orders.HandleOrderCancelled(ctx, p.OrderID, p.Reason)
		return err
	default:
		return errUnsupported
	}
}

type paymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object paymentObject `json:"object"`
	} `json:"data"`
}

type paymentObject struct {
	ID                string            `json:"id"`
	AmountTotal       int64             `json:"amount_total"`
	AmountRefunded    int64             `json:"amount_refunded"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Payments handles POST /webhooks/payments.
func (h *Handler) Payments(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	err := VerifyPayment(h.PaymentSecret, body, r.Header.Get(HeaderPaymentSignature), h.PaymentTolerance, h.now())
	if err != nil {
		h.rejectSignature(w, r, SourcePayments, err)
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.finish(w, r, SourcePayments, eventID("", body), "", fmt.Errorf("%w: %v", errMalformed, err))
		return
	}
	id := eventID(ev.ID, body)

	if dup, err := h.seen(r.Context(), SourcePayments, id); err != nil {
		h.finish(w, r, SourcePayments, id, ev.Type, err)
		return
	} else if dup {
		h.finish(w, r, SourcePayments, id, ev.Type, model.ErrDuplicateEvent)
		return
	}

	h.finish(w, r, SourcePayments, id, ev.Type, h.applyPayment(r.Context(), &ev))
}

func (h *Handler) applyPayment(ctx context.Context, ev *paymentEvent) error {
	obj := ev.Data.Object
	switch ev.Type {
	case EventCheckoutCompleted:
		userID, err := strconv.ParseInt(obj.ClientReferenceID, 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("%w: client_reference_id must be a user id", errMalformed)
		}
		if obj.ID == "" || obj.AmountTotal <= 0 {
			return fmt.Errorf("%w: session id and a positive amount_total are required", errMalformed)
		}
		// Amounts arrive in minor units.
		amount := decimal.New(obj.AmountTotal, -2)
		tx, err := store.Deposit(ctx, h.DB, userID, amount, obj.ID)
		if errors.Is(err, model.ErrReferenceInUse) {
			// Retrying cannot fix a session credited to another wallet.
			return fmt.Errorf("%w: %w", errMalformed, err)
		}
		if err != nil {
			return err
		}
		slog.Info("wallet topped up", "user", userID, "amount", amount.StringFixed(2),
			"session", obj.ID, "transaction", tx.ID)
		return nil

	case EventChargeRefunded:
		orderID := obj.Metadata["order_id"]
		if orderID == "" {
			// Refunds not tied to a gift order are handled outside the engine.
			return errUnsupported
		}
		_, _, err := h.Orders.HandleOrderCancelled(ctx, orderID, "payment refunded")
		return err

	default:
		return errUnsupported
	}
}
