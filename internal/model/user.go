package model

import (
	"fmt"
	"time"
)

// User represents an account that owns recipients, occasions and a wallet.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	Tier         string     `json:"tier"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Subscription tiers.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin: 2,
		RoleUser:  1,
	}
	return levels[role] > 0 && levels[role] >= levels[minimum]
}

// TierAllowsAutomation reports whether a subscription tier may use gift automation.
func TierAllowsAutomation(tier string) bool {
	return tier == TierPremium
}

// ValidTier reports whether tier is a known subscription tier.
func ValidTier(tier string) bool {
	return tier == TierFree || tier == TierPremium
}

// ValidatePassword checks the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}
