package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/darilo/internal/automation"
	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// RecipientsHandler handles the caller's gift recipients.
type RecipientsHandler struct {
	DB     *sql.DB
	Engine *automation.Engine
}

type recipientRequest struct {
	Name                 string        `json:"name"`
	Birthday             string        `json:"birthday"`
	Anniversary          string        `json:"anniversary"`
	PreferredGiftTag     string        `json:"preferred_gift_tag"`
	Address              model.Address `json:"address"`
	DefaultGiftReference string        `json:"default_gift_reference"`
}

type enableAutomationRequest struct {
	PreferenceTag string           `json:"preference_tag"`
	Budget        *decimal.Decimal `json:"budget"`
}

// parseDate accepts an empty string (no date) or YYYY-MM-DD.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// toRecipient validates the request, writing a 400 when it is unusable.
func (req *recipientRequest) toRecipient(w http.ResponseWriter) (*model.Recipient, bool) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return nil, false
	}
	if !model.ValidPreferenceTag(req.PreferredGiftTag) {
		jsonError(w, http.StatusBadRequest, "invalid preference tag")
		return nil, false
	}
	birthday, err := parseDate(req.Birthday)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "birthday must be YYYY-MM-DD")
		return nil, false
	}
	anniversary, err := parseDate(req.Anniversary)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "anniversary must be YYYY-MM-DD")
		return nil, false
	}
	return &model.Recipient{
		Name:                 req.Name,
		Birthday:             birthday,
		Anniversary:          anniversary,
		PreferredGiftTag:     req.PreferredGiftTag,
		Address:              req.Address,
		DefaultGiftReference: req.DefaultGiftReference,
	}, true
}

// List handles GET /api/recipients.
func (h *RecipientsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	recipients, err := store.ListRecipients(r.Context(), h.DB, claims.UserID)
	if err != nil {
		slog.Error("failed to list recipients", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list recipients")
		return
	}
	if recipients == nil {
		recipients = []model.Recipient{}
	}
	jsonResponse(w, http.StatusOK, recipients)
}

// Create handles POST /api/recipients.
func (h *RecipientsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, ok := req.toRecipient(w)
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	rec.UserID = claims.UserID
	created, err := store.CreateRecipient(r.Context(), h.DB, rec)
	if err != nil {
		domainError(w, err, "create recipient")
		return
	}

	slog.Info("recipient created", "user", claims.Username, "recipient", created.ID)
	jsonResponse(w, http.StatusCreated, created)
}

// Get handles GET /api/recipients/{id}.
func (h *RecipientsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "recipient")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	rec, err := store.GetRecipient(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get recipient")
		return
	}
	if rec == nil {
		jsonError(w, http.StatusNotFound, "recipient not found")
		return
	}

	occasions, err := store.ListRecipientOccasions(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "list occasions")
		return
	}
	if occasions == nil {
		occasions = []model.Occasion{}
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"recipient": rec,
		"occasions": occasions,
	})
}

// Update handles PUT /api/recipients/{id}.
func (h *RecipientsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "recipient")
	if !ok {
		return
	}

	var req recipientRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, ok := req.toRecipient(w)
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	existing, err := store.GetRecipient(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get recipient")
		return
	}
	if existing == nil {
		jsonError(w, http.StatusNotFound, "recipient not found")
		return
	}

	rec.ID = id
	rec.UserID = claims.UserID
	if err := store.UpdateRecipient(r.Context(), h.DB, rec); err != nil {
		domainError(w, err, "update recipient")
		return
	}

	updated, err := store.GetRecipient(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get recipient")
		return
	}
	slog.Info("recipient updated", "user", claims.Username, "recipient", id)
	jsonResponse(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/recipients/{id}.
func (h *RecipientsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "recipient")
	if !ok {
		return
	}

	claims := GetClaims(r.Context())
	existing, err := store.GetRecipient(r.Context(), h.DB, claims.UserID, id)
	if err != nil {
		domainError(w, err, "get recipient")
		return
	}
	if existing == nil {
		jsonError(w, http.StatusNotFound, "recipient not found")
		return
	}

	if err := store.DeleteRecipient(r.Context(), h.DB, claims.UserID, id); err != nil {
		domainError(w, err, "delete recipient")
		return
	}

	slog.Info("recipient deleted", "user", claims.Username, "recipient", id)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "recipient deleted"})
}

// EnableAutomation handles POST /api/recipients/{id}/automation. It always
// answers with the eligibility result; an ineligible user is not an error.
func (h *RecipientsHandler) EnableAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "recipient")
	if !ok {
		return
	}

	var req enableAutomationRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.ValidPreferenceTag(req.PreferenceTag) {
		jsonError(w, http.StatusBadRequest, "invalid preference tag")
		return
	}
	if req.Budget != nil && !req.Budget.IsPositive() {
		jsonError(w, http.StatusBadRequest, "budget must be positive")
		return
	}

	claims := GetClaims(r.Context())
	result, err := h.Engine.EnableAutomation(r.Context(), claims.UserID, id, req.PreferenceTag, req.Budget)
	if err != nil {
		domainError(w, err, "enable automation")
		return
	}

	slog.Info("recipient automation enabled", "user", claims.Username, "recipient", id,
		"eligible", result.Eligibility.Eligible)
	jsonResponse(w, http.StatusOK, result)
}
