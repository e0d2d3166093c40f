package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/automation"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// OccasionsHandler handles the caller's occasions and the user-driven steps
// of the automation state machine.
type OccasionsHandler struct {
	DB     *sql.DB
	Engine *automation.Engine
}

type createOccasionRequest struct {
	RecipientID       int64            `json:"recipient_id"`
	Type              string           `json:"occasion_type"`
	Date              string           `json:"occasion_date"`
	AutomationEnabled bool             `json:"automation_enabled"`
	Budget            *decimal.Decimal `json:"budget"`
}

// List handles GET /api/occasions.
func (h *OccasionsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	occasions, err := store.ListOccasions(r.Context(), h.DB, claims.UserID)
	if err != nil {
		domainError(w, err, "list occasions")
		return
	}
	if occasions == nil {
		occasions = []model.Occasion{}
	}
	jsonResponse(w, http.StatusOK, occasions)
}

// Create handles POST /api/occasions.
func (h *OccasionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOccasionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RecipientID <= 0 {
		jsonError(w, http.StatusBadRequest, "recipient_id required")
		return
	}
	if !model.ValidOccasionType(req.Type) {
		jsonError(w, http.StatusBadRequest, "invalid occasion type")
		return
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "occasion_date must be YYYY-MM-DD")
		return
	}
	budget := h.Engine.Policy.DefaultBudget
	if req.Budget != nil {
		if req.Budget.IsNegative() {
			jsonError(w, http.StatusBadRequest, "budget must not be negative")
			return
		}
		budget = *req.Budget
	}

	claims := GetClaims(r.Context())
	o, err := store.CreateOccasion(r.Context(), h.DB, &model.Occasion{
		RecipientID:       req.RecipientID,
		UserID:            claims.UserID,
		Type:              req.Type,
		Date:              date,
		AutomationEnabled: req.AutomationEnabled,
		Budget:            budget,
	})
	if err != nil {
		domainError(w, err, "create occasion")
		return
	}

	slog.Info("occasion created", "user", claims.Username, "occasion", o.ID, "type", o.Type,
		"date", req.Date)
	jsonResponse(w, http.StatusCreated, o)
}

// Get handles GET /api/occasions/{id}.
func (h *OccasionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := store.GetOccasionForUser(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get occasion")
		return
	}
	if o == nil {
		jsonError(w, http.StatusNotFound, "occasion not found")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// History handles GET /api/occasions/{id}/history.
func (h *OccasionsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := store.GetOccasionForUser(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get occasion")
		return
	}
	if o == nil {
		jsonError(w, http.StatusNotFound, "occasion not found")
		return
	}

	history, err := store.ListOccasionHistory(r.Context(), h.DB, id)
	if err != nil {
		domainError(w, err, "list occasion history")
		return
	}
	if history == nil {
		history = []model.OccasionTransition{}
	}
	jsonResponse(w, http.StatusOK, history)
}

// Disable handles POST /api/occasions/{id}/disable.
func (h *OccasionsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Engine.DisableAutomation(r.Context(), claims.UserID, id)
	if err != nil {
		domainError(w, err, "disable automation")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// Confirm handles POST /api/occasions/{id}/confirm.
func (h *OccasionsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Engine.ConfirmGift(r.Context(), claims.UserID, id)
	if err != nil {
		domainError(w, err, "confirm gift")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// Address handles POST /api/occasions/{id}/address.
func (h *OccasionsHandler) Address(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	var addr model.Address
	if err := decodeJSON(r, &addr); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !addr.Complete() {
		jsonError(w, http.StatusBadRequest, "line1, city, postal_code and country required")
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Engine.ConfirmAddress(r.Context(), claims.UserID, id, addr)
	if err != nil {
		domainError(w, err, "confirm address")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// Order handles POST /api/occasions/{id}/order, placing the order now
// instead of waiting for the scheduler.
func (h *OccasionsHandler) Order(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Engine.PlaceOrder(r.Context(), claims.UserID, id)
	if err != nil {
		domainError(w, err, "place order")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// Resolve handles POST /api/occasions/{id}/resolve for occasions in error.
func (h *OccasionsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "occasion")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Engine.ResolveError(r.Context(), claims.UserID, id)
	if err != nil {
		domainError(w, err, "resolve occasion")
		return
	}
	jsonResponse(w, http.StatusOK, o)
}
