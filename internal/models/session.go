package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxPlaybackRate is the upper bound for playback_rate; valid rates are in
// (0, MaxPlaybackRate].
const MaxPlaybackRate = 4.0

// SessionSettings controls what non-host participants may do.
type SessionSettings struct {
	MaxParticipants         int  `json:"max_participants"`
	AllowParticipantControl bool `json:"allow_participant_control"`
	AllowSeek               bool `json:"allow_seek"`
	AllowPause              bool `json:"allow_pause"`
	AllowRateChange         bool `json:"allow_rate_change"`
}

// Session is a shared-playback coordination unit for one video.
type Session struct {
	ID               uuid.UUID       `json:"id"`
	VideoID          uuid.UUID       `json:"video_id"`
	Name             string          `json:"name"`
	HostID           uuid.UUID       `json:"host_id"`
	AccessCode       string          `json:"access_code"`
	CurrentTimestamp float64         `json:"current_timestamp"` // seconds into the video
	IsPlaying        bool            `json:"is_playing"`
	PlaybackRate     float64         `json:"playback_rate"`
	Settings         SessionSettings `json:"settings"`
	ParticipantCount int             `json:"participant_count"`
	LastActivity     time.Time       `json:"last_activity"`
	IsActive         bool            `json:"is_active"`
	CreatedAt        time.Time       `json:"created_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
}

// PlaybackState is the controller-issued canonical state change.
type PlaybackState struct {
	Timestamp    float64 `json:"timestamp"`
	IsPlaying    bool    `json:"is_playing"`
	PlaybackRate float64 `json:"playback_rate"`
}
