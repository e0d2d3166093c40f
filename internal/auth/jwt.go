// Package auth mints and validates the bearer tokens used by the HTTP API.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/erazemk/darilo/internal/model"
)

// Issuer is set on every token and required on validation.
const Issuer = "darilo"

// TokenExpiry is the default token lifetime.
const TokenExpiry = 7 * 24 * time.Hour

// Claims carries the account a token was issued to. The subscription tier is
// deliberately absent: it is read from the database on every automation
// check so a downgrade takes effect immediately.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token holder may use operator endpoints.
func (c *Claims) IsAdmin() bool {
	return model.RoleAtLeast(c.Role, model.RoleAdmin)
}

// GenerateToken signs a token for u valid for ttl (TokenExpiry when zero).
// The returned claims carry the token's JTI and expiry for revocation.
func GenerateToken(secret string, u *model.User, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		ttl = TokenExpiry
	}
	now := time.Now()
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   fmt.Sprint(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// ValidateToken parses tokenStr, checking the signature, issuer and expiry.
func ValidateToken(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if claims.ID == "" || claims.UserID == 0 {
		return nil, fmt.Errorf("token is missing its id or user")
	}
	return claims, nil
}
