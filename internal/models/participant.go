package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncQuality is the coarse classification of a participant's estimated lag.
type SyncQuality string

const (
	SyncGood         SyncQuality = "good"
	SyncUnstable     SyncQuality = "unstable"
	SyncDisconnected SyncQuality = "disconnected"
)

// Leave reasons, distinguished for audit; equivalent for participant_count.
const (
	LeaveReasonLeft    = "left"
	LeaveReasonEvicted = "evicted"
	LeaveReasonEnded   = "session_ended"
)

// Participant is one connected client/device within a session.
// A device holds at most one active participant record per session.
type Participant struct {
	ID                uuid.UUID   `json:"id"`
	SessionID         uuid.UUID   `json:"session_id"`
	UserID            uuid.UUID   `json:"user_id"`
	DeviceID          string      `json:"device_id"`
	DeviceName        string      `json:"device_name"`
	IsController      bool        `json:"is_controller"`
	IsHost            bool        `json:"is_host"`
	CanSeek           bool        `json:"can_seek"`
	CanPause          bool        `json:"can_pause"`
	CanChangeRate     bool        `json:"can_change_rate"`
	AverageLag        float64     `json:"average_lag_ms"`
	SyncQuality       SyncQuality `json:"sync_quality"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	LastKnownPosition float64     `json:"last_known_position"`
	JoinedAt          time.Time   `json:"joined_at"`
	LeftAt            *time.Time  `json:"left_at,omitempty"`
	LeaveReason       string      `json:"leave_reason,omitempty"`
	IsActive          bool        `json:"is_active"`
}

// CanControl reports whether the participant may issue playback control events.
func (p *Participant) CanControl(s *Session) bool {
	return p.IsController || p.IsHost || s.Settings.AllowParticipantControl
}
