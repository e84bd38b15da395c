package domain

import (
	"time"

	"github.com/google/uuid"
)

// Room groups all calls between one unordered pair of users.
// Created lazily on the first call between a pair, never deleted.
type Room struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PairKey   string    `json:"pair_key" db:"pair_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PairKey derives the canonical key for an unordered user pair.
// Both participants compute the same key regardless of who calls whom.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
