package api

import (
	"database/sql"
	"net/http"

	"github.com/erazemk/darilo/internal/automation"
	"github.com/erazemk/darilo/internal/model"
)

// NewRouter creates the API router with all endpoints registered.
func NewRouter(db *sql.DB, jwtSecret string, engine *automation.Engine) http.Handler {
	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: db, JWTSecret: jwtSecret}
	usersHandler := &UsersHandler{DB: db}
	recipientsHandler := &RecipientsHandler{DB: db, Engine: engine}
	occasionsHandler := &OccasionsHandler{DB: db, Engine: engine}
	walletHandler := &WalletHandler{DB: db, Engine: engine}
	catalogHandler := &CatalogHandler{DB: db}

	authMW := AuthMiddleware(jwtSecret, db)
	requireAdmin := RequireRole(model.RoleAdmin)
	user := func(h http.HandlerFunc) http.Handler { return authMW(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authMW(requireAdmin(h)) }

	// Public.
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)

	mux.Handle("POST /api/auth/logout", user(authHandler.Logout))
	mux.Handle("PUT /api/auth/password", user(authHandler.ChangePassword))

	// Recipients, scoped to the caller.
	mux.Handle("GET /api/recipients", user(recipientsHandler.List))
	mux.Handle("POST /api/recipients", user(recipientsHandler.Create))
	mux.Handle("GET /api/recipients/{id}", user(recipientsHandler.Get))
	mux.Handle("PUT /api/recipients/{id}", user(recipientsHandler.Update))
	mux.Handle("DELETE /api/recipients/{id}", user(recipientsHandler.Delete))
	mux.Handle("POST /api/recipients/{id}/automation", user(recipientsHandler.EnableAutomation))

	// Occasions, scoped to the caller.
	mux.Handle("GET /api/occasions", user(occasionsHandler.List))
	mux.Handle("POST /api/occasions", user(occasionsHandler.Create))
	mux.Handle("GET /api/occasions/{id}", user(occasionsHandler.Get))
	mux.Handle("GET /api/occasions/{id}/history", user(occasionsHandler.History))
	mux.Handle("POST /api/occasions/{id}/disable", user(occasionsHandler.Disable))
	mux.Handle("POST /api/occasions/{id}/confirm", user(occasionsHandler.Confirm))
	mux.Handle("POST /api/occasions/{id}/address", user(occasionsHandler.Address))
	mux.Handle("POST /api/occasions/{id}/order", user(occasionsHandler.Order))
	mux.Handle("POST /api/occasions/{id}/resolve", user(occasionsHandler.Resolve))

	// Wallet and eligibility preview.
	mux.Handle("GET /api/wallet", user(walletHandler.Get))
	mux.Handle("GET /api/wallet/transactions", user(walletHandler.Transactions))
	mux.Handle("GET /api/eligibility", user(walletHandler.Eligibility))

	// Catalog: read (all), write (admin).
	mux.Handle("GET /api/catalog", user(catalogHandler.List))
	mux.Handle("PUT /api/catalog", admin(catalogHandler.Upsert))

	// Users (admin only).
	mux.Handle("GET /api/users", admin(usersHandler.List))
	mux.Handle("POST /api/users", admin(usersHandler.Create))
	mux.Handle("GET /api/users/{id}", admin(usersHandler.Get))
	mux.Handle("PUT /api/users/{id}", admin(usersHandler.Update))
	mux.Handle("PUT /api/users/{id}/password", admin(usersHandler.ResetPassword))
	mux.Handle("PUT /api/users/{id}/tier", admin(usersHandler.SetTier))
	mux.Handle("POST /api/users/{id}/deposit", admin(walletHandler.Deposit))
	mux.Handle("DELETE /api/users/{id}", admin(usersHandler.Delete))

	return mux
}
