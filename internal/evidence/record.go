// Package evidence keeps the append-only log of evidence captured during a
// Guardian session.
//
// Records live in memory for the lifetime of a [Vault]. A Vault can
// optionally mirror every record to one or more [Mirror] backends, such as a
// PostgreSQL table ([PostgresMirror]) or a Redis stream ([RedisMirror]).
// Mirrors are best-effort: failures are logged and never reach the caller of
// [Vault.Log].
package evidence

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRecord is returned when a record is missing its value.
var ErrInvalidRecord = errors.New("evidence: invalid record")

// Category classifies a piece of evidence.
type Category string

const (
	CategoryPlate    Category = "PLATE"
	CategoryRoadTax  Category = "ROAD_TAX"
	CategoryDamage   Category = "DAMAGE"
	CategoryWitness  Category = "WITNESS"
	CategoryDocument Category = "DOCUMENT"
	CategoryLocation Category = "LOCATION"
	CategoryOther    Category = "OTHER"
)

// Categories lists every known category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryPlate, CategoryRoadTax, CategoryDamage, CategoryWitness,
		CategoryDocument, CategoryLocation, CategoryOther,
	}
}

// ParseCategory maps s to a Category, ignoring case and surrounding space.
// Unknown strings map to [CategoryOther].
func ParseCategory(s string) Category {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c
		}
	}
	return CategoryOther
}

// Record is one immutable entry of the evidence log.
type Record struct {
	ID       uuid.UUID `json:"id"`
	Category Category  `json:"category"`
	Value    string    `json:"value"`
	Time     time.Time `json:"timestamp"`
	Details  string    `json:"details,omitempty"`
}

// NewRecord builds a Record with a fresh random ID. category is parsed with
// [ParseCategory]. An empty value yields [ErrInvalidRecord].
func NewRecord(category, value, details string, at time.Time) (Record, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Record{}, ErrInvalidRecord
	}
	return Record{
		ID:       uuid.New(),
		Category: ParseCategory(category),
		Value:    value,
		Time:     at,
		Details:  strings.TrimSpace(details),
	}, nil
}
