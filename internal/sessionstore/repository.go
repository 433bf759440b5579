package sessionstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchsync/backend/internal/models"
)

// Repository persists session, participant and audit records. Durability
// only: the in-memory engine stays authoritative on the hot path and writes
// arrive here asynchronously via the persistence queue.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session store repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertSession writes the canonical session record.
func (r *Repository) UpsertSession(ctx context.Context, s models.Session) error {
	const q = `INSERT INTO sessions (id, video_id, name, host_id, access_code, position_seconds, is_playing, playback_rate,
			max_participants, allow_participant_control, allow_seek, allow_pause, allow_rate_change,
			participant_count, last_activity, is_active, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			host_id = EXCLUDED.host_id,
			position_seconds = EXCLUDED.position_seconds,
			is_playing = EXCLUDED.is_playing,
			playback_rate = EXCLUDED.playback_rate,
			participant_count = EXCLUDED.participant_count,
			last_activity = EXCLUDED.last_activity,
			is_active = EXCLUDED.is_active,
			ended_at = EXCLUDED.ended_at`
	_, err := r.pool.Exec(ctx, q,
		s.ID, s.VideoID, s.Name, s.HostID, s.AccessCode, s.CurrentTimestamp, s.IsPlaying, s.PlaybackRate,
		s.Settings.MaxParticipants, s.Settings.AllowParticipantControl, s.Settings.AllowSeek, s.Settings.AllowPause, s.Settings.AllowRateChange,
		s.ParticipantCount, s.LastActivity, s.IsActive, s.CreatedAt, s.EndedAt)
	return err
}

// UpsertParticipant writes a participant record.
func (r *Repository) UpsertParticipant(ctx context.Context, p models.Participant) error {
	const q = `INSERT INTO participants (id, session_id, user_id, device_id, device_name, is_controller, is_host,
			can_seek, can_pause, can_change_rate, average_lag_ms, sync_quality, last_heartbeat,
			last_known_position, joined_at, left_at, leave_reason, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			is_controller = EXCLUDED.is_controller,
			is_host = EXCLUDED.is_host,
			can_seek = EXCLUDED.can_seek,
			can_pause = EXCLUDED.can_pause,
			can_change_rate = EXCLUDED.can_change_rate,
			average_lag_ms = EXCLUDED.average_lag_ms,
			sync_quality = EXCLUDED.sync_quality,
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_known_position = EXCLUDED.last_known_position,
			left_at = EXCLUDED.left_at,
			leave_reason = EXCLUDED.leave_reason,
			is_active = EXCLUDED.is_active`
	_, err := r.pool.Exec(ctx, q,
		p.ID, p.SessionID, p.UserID, p.DeviceID, p.DeviceName, p.IsController, p.IsHost,
		p.CanSeek, p.CanPause, p.CanChangeRate, p.AverageLag, string(p.SyncQuality), p.LastHeartbeat,
		p.LastKnownPosition, p.JoinedAt, p.LeftAt, nullableString(p.LeaveReason), p.IsActive)
	return err
}

// InsertEvent appends one audit row.
func (r *Repository) InsertEvent(ctx context.Context, ev models.SessionEvent) error {
	const q = `INSERT INTO session_events (id, session_id, participant_id, user_id, kind, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, ev.ID, ev.SessionID, ev.ParticipantID, ev.UserID, ev.Kind, ev.At)
	return err
}

// GetSession reads a session record. Returns nil when not found.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT id, video_id, name, host_id, access_code, position_seconds, is_playing, playback_rate,
			max_participants, allow_participant_control, allow_seek, allow_pause, allow_rate_change,
			participant_count, last_activity, is_active, created_at, ended_at
		FROM sessions WHERE id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.VideoID, &s.Name, &s.HostID, &s.AccessCode, &s.CurrentTimestamp, &s.IsPlaying, &s.PlaybackRate,
		&s.Settings.MaxParticipants, &s.Settings.AllowParticipantControl, &s.Settings.AllowSeek, &s.Settings.AllowPause, &s.Settings.AllowRateChange,
		&s.ParticipantCount, &s.LastActivity, &s.IsActive, &s.CreatedAt, &s.EndedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListParticipants returns all participant records for a session in join
// order, active and departed alike.
func (r *Repository) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT id, session_id, user_id, device_id, device_name, is_controller, is_host,
			can_seek, can_pause, can_change_rate, average_lag_ms, sync_quality, last_heartbeat,
			last_known_position, joined_at, left_at, leave_reason, is_active
		FROM participants WHERE session_id = $1 ORDER BY joined_at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var p models.Participant
		var quality string
		var reason *string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.DeviceID, &p.DeviceName, &p.IsController, &p.IsHost,
			&p.CanSeek, &p.CanPause, &p.CanChangeRate, &p.AverageLag, &quality, &p.LastHeartbeat,
			&p.LastKnownPosition, &p.JoinedAt, &p.LeftAt, &reason, &p.IsActive); err != nil {
			return nil, err
		}
		p.SyncQuality = models.SyncQuality(quality)
		if reason != nil {
			p.LeaveReason = *reason
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ListEvents returns the audit trail for a session, oldest first.
func (r *Repository) ListEvents(ctx context.Context, sessionID uuid.UUID) ([]models.SessionEvent, error) {
	const q = `SELECT id, session_id, participant_id, user_id, kind, at
		FROM session_events WHERE session_id = $1 ORDER BY at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ParticipantID, &ev.UserID, &ev.Kind, &ev.At); err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
