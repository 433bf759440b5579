package models

import (
	"time"

	"github.com/google/uuid"
)

// Session event kinds for the audit trail. "left" and "evicted" are
// equivalent for participant_count but distinguished for analytics.
const (
	EventKindJoined      = "joined"
	EventKindLeft        = "left"
	EventKindEvicted     = "evicted"
	EventKindHostChanged = "host_changed"
	EventKindEnded       = "ended"
)

// SessionEvent is one audit row for a session lifecycle change.
type SessionEvent struct {
	ID            uuid.UUID  `json:"id"`
	SessionID     uuid.UUID  `json:"session_id"`
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Kind          string     `json:"kind"`
	At            time.Time  `json:"at"`
}
