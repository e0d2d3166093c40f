// Package fulfillment talks to the external e-commerce platform that ships
// gifts.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/model"
)

// orderNamespace scopes idempotency keys derived from occasion ids.
var orderNamespace = uuid.MustParse("6f1c9a52-3b0e-4c57-9d53-0a4f2e8b7c11")

// IdempotencyKey derives the order idempotency key for an occasion, so a
// retried order for the same occasion can never ship twice. attempt counts
// earlier cancelled orders, giving a re-ordered occasion a fresh order.
func IdempotencyKey(occasionID int64, attempt int) string {
	name := strconv.FormatInt(occasionID, 10)
	if attempt > 0 {
		name += "/" + strconv.Itoa(attempt)
	}
	return uuid.NewSHA1(orderNamespace, []byte(name)).String()
}

// OrderRequest asks the platform to ship one item.
type OrderRequest struct {
	OccasionID int64           `json:"occasion_id"`
	Attempt    int             `json:"attempt,omitempty"`
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"`
	Recipient  string          `json:"recipient"`
	Address    model.Address   `json:"address"`
	DeliverBy  string          `json:"deliver_by"`
}

// OrderResult is the platform's acceptance of an order.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// OrderPlacer creates external orders.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// Client is an HTTP OrderPlacer.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient returns a client whose requests are bounded by timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CreateOrder posts the order. Transport failures and non-2xx responses wrap
// model.ErrDownstreamUnavailable.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if c.BaseURL == "" {
		return OrderResult{}, fmt.Errorf("fulfillment platform not configured: %w", model.ErrDownstreamUnavailable)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return OrderResult{}, fmt.Errorf("encoding order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return OrderResult{}, fmt.Errorf("building order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", IdempotencyKey(req.OccasionID, req.Attempt))
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return OrderResult{}, fmt.Errorf("creating order: %w: %w", model.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return OrderResult{}, fmt.Errorf("reading order response: %w: %w", model.ErrDownstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return OrderResult{}, fmt.Errorf("creating order: status %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(payload)), model.ErrDownstreamUnavailable)
	}

	var result OrderResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return OrderResult{}, fmt.Errorf("decoding order response: %w: %w", model.ErrDownstreamUnavailable, err)
	}
	if result.OrderID == "" {
		return OrderResult{}, fmt.Errorf("order response without order id: %w", model.ErrDownstreamUnavailable)
	}
	return result, nil
}
