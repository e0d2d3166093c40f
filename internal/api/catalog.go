package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/erazemk/darilo/internal/model"
	"github.com/erazemk/darilo/internal/store"
)

// CatalogHandler exposes the local catalog snapshot.
type CatalogHandler struct {
	DB *sql.DB
}

// List handles GET /api/catalog.
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := store.ListCatalog(r.Context(), h.DB)
	if err != nil {
		domainError(w, err, "list catalog")
		return
	}
	if items == nil {
		items = []model.CatalogItem{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Upsert handles PUT /api/catalog. The body is a list of items; each one
// replaces the stored row with the same id.
func (h *CatalogHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var items []model.CatalogItem
	if err := decodeJSON(r, &items); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(items) == 0 {
		jsonError(w, http.StatusBadRequest, "at least one item required")
		return
	}
	for _, c := range items {
		if c.ID == "" || c.Name == "" || c.Price.IsNegative() || !model.ValidPreferenceTag(c.PreferenceTag) {
			jsonError(w, http.StatusBadRequest, "every item needs an id, a name, a non-negative price and a known tag")
			return
		}
	}

	if err := store.UpsertCatalogItems(r.Context(), h.DB, items); err != nil {
		domainError(w, err, "update catalog")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("catalog updated", "user", claims.Username, "items", len(items))
	jsonResponse(w, http.StatusOK, map[string]int{"updated": len(items)})
}
