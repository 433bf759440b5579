package playsync

import (
	"time"

	"github.com/google/uuid"

	"github.com/couchsync/backend/internal/models"
)

// WebSocket event names emitted by the sync engine.
const (
	EventStateUpdate        = "sync.state-update"
	EventParticipantJoined  = "participant.joined"
	EventParticipantLeft    = "participant.left"
	EventParticipantTimeout = "participant.timeout"
	EventHostChanged        = "session.host-changed"
	EventSessionEnded       = "session.ended"
)

// Emitter delivers engine events to connected clients. Per-participant
// sends carry individually compensated payloads; session-wide broadcasts
// carry membership and lifecycle events.
type Emitter interface {
	ToParticipant(sessionID, participantID uuid.UUID, event string, payload interface{})
	ToSession(sessionID uuid.UUID, event string, payload interface{})
}

// Persister accepts durable writes of canonical state. Implementations must
// not block: broadcast happens optimistically from the in-memory copy and a
// failed write is retried in the background, never surfaced to the client.
type Persister interface {
	PersistSession(s models.Session)
	PersistParticipant(p models.Participant)
	PersistEvent(ev models.SessionEvent)
}

// StateUpdatePayload is the per-participant fan-out for a playback change.
// Timestamp already includes this participant's lag compensation:
// Timestamp = BaseTimestamp + LagCompensation.
type StateUpdatePayload struct {
	Timestamp       float64   `json:"timestamp"`
	BaseTimestamp   float64   `json:"base_timestamp"`
	LagCompensation float64   `json:"lag_compensation"`
	IsPlaying       bool      `json:"is_playing"`
	PlaybackRate    float64   `json:"playback_rate"`
	SuggestedRate   float64   `json:"suggested_rate"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	UpdatedBy       uuid.UUID `json:"updated_by"`
}

// ParticipantJoinedPayload announces a new participant to the session.
type ParticipantJoinedPayload struct {
	Participant models.Participant `json:"participant"`
}

// ParticipantLeftPayload announces a departure or eviction.
type ParticipantLeftPayload struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	UserID        uuid.UUID `json:"user_id"`
	Reason        string    `json:"reason"`
}

// HostChangedPayload carries the failover-promoted host's identity.
type HostChangedPayload struct {
	HostParticipantID uuid.UUID `json:"host_participant_id"`
	HostUserID        uuid.UUID `json:"host_user_id"`
}

// SessionEndedPayload announces session termination to every participant.
type SessionEndedPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
}

// HeartbeatAck is returned to the sender of a heartbeat.
type HeartbeatAck struct {
	NetworkLagMs float64            `json:"network_lag_ms"`
	AverageLagMs float64            `json:"average_lag_ms"`
	SyncQuality  models.SyncQuality `json:"sync_quality"`
}
