package videometa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchsync/backend/internal/models"
)

// Repository provides video metadata. The sync engine consumes only the
// duration, and only advisorily.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a video metadata repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a video.
func (r *Repository) Create(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (id, title, duration_seconds)
		VALUES ($1, $2, $3)
		RETURNING created_at`
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, q, v.ID, v.Title, v.DurationSeconds).Scan(&v.CreatedAt)
}

// GetByID returns a video by id. Returns nil when not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `SELECT id, title, duration_seconds, created_at FROM videos WHERE id = $1`
	var v models.Video
	err := r.pool.QueryRow(ctx, q, id).Scan(&v.ID, &v.Title, &v.DurationSeconds, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// Duration implements playsync.VideoProvider.
func (r *Repository) Duration(ctx context.Context, videoID uuid.UUID) (float64, error) {
	v, err := r.GetByID(ctx, videoID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("video %s not found", videoID)
	}
	return v.DurationSeconds, nil
}
