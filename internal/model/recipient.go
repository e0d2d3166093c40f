package model

import (
	"strings"
	"time"
)

// Recipient is a person the user sends gifts to.
type Recipient struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	Name                 string     `json:"name"`
	Birthday             *time.Time `json:"birthday,omitempty"`
	Anniversary          *time.Time `json:"anniversary,omitempty"`
	PreferredGiftTag     string     `json:"preferred_gift_tag,omitempty"`
	AutomationEnabled    bool       `json:"automation_enabled"`
	Address              Address    `json:"address"`
	DefaultGiftReference string     `json:"default_gift_reference,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// Address is a shipping address. All fields are optional until an order is placed.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Complete reports whether the address has everything a carrier needs.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.PostalCode) != "" &&
		strings.TrimSpace(a.Country) != ""
}

// Preference tags.
const (
	TagCooking    = "cooking"
	TagWellness   = "wellness"
	TagReading    = "reading"
	TagOutdoors   = "outdoors"
	TagTech       = "tech"
	TagHome       = "home"
	TagExperience = "experience"
)

// ValidPreferenceTag reports whether tag is a known preference tag. The empty
// tag means no preference.
func ValidPreferenceTag(tag string) bool {
	switch tag {
	case "", TagCooking, TagWellness, TagReading, TagOutdoors, TagTech, TagHome, TagExperience:
		return true
	}
	return false
}
