package models

import (
	"time"

	"github.com/google/uuid"
)

// Video is metadata for a playable item. Duration is advisory: the sync core
// uses it to sanity-check seek targets, not to enforce them.
type Video struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}
