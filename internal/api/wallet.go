package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/automation"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// WalletHandler handles wallet views, the eligibility preview and operator
// deposits.
type WalletHandler struct {
	DB     *sql.DB
	Engine *automation.Engine
}

type depositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// Get handles GET /api/wallet.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	coverage, err := h.Engine.Coverage(r.Context(), claims.UserID)
	if err != nil {
		domainError(w, err, "get wallet")
		return
	}
	jsonResponse(w, http.StatusOK, coverage)
}

// Transactions handles GET /api/wallet/transactions.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	txs, err := store.ListTransactions(r.Context(), h.DB, claims.UserID)
	if err != nil {
		domainError(w, err, "list transactions")
		return
	}
	if txs == nil {
		txs = []model.LedgerTransaction{}
	}
	jsonResponse(w, http.StatusOK, txs)
}

// Eligibility handles GET /api/eligibility?cost=. It only reads.
func (h *WalletHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("cost")
	cost := h.Engine.Policy.DefaultBudget
	if raw != "" {
		var err error
		cost, err = decimal.NewFromString(raw)
		if err != nil || cost.IsNegative() {
			jsonError(w, http.StatusBadRequest, "cost must be a non-negative amount")
			return
		}
	}

	claims := GetClaims(r.Context())
	result, err := h.Engine.Preview(r.Context(), claims.UserID, cost)
	if err != nil {
		domainError(w, err, "check eligibility")
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

// Deposit handles POST /api/users/{id}/deposit (admin). A reference makes the
// deposit idempotent.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}

	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		jsonError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	target, err := store.GetUser(r.Context(), h.DB, id)
	if err != nil {
		domainError(w, err, "get user")
		return
	}
	if target == nil || target.DeletedAt != nil {
		jsonError(w, http.StatusNotFound, "user not found")
		return
	}

	tx, err := store.Deposit(r.Context(), h.DB, id, req.Amount, req.Reference)
	if err != nil {
		domainError(w, err, "deposit")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("wallet deposit", "user", claims.Username, "target_user", target.Username,
		"amount", req.Amount.StringFixed(2), "transaction", tx.ID)
	jsonResponse(w, http.StatusCreated, tx)
}
