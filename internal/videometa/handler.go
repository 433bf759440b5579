package videometa

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/couchsync/backend/internal/models"
	"github.com/couchsync/backend/pkg/response"
)

// Handler exposes video metadata registration and lookup.
type Handler struct {
	repo *Repository
}

// NewHandler creates a video metadata handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// CreateRequest is the body for POST /videos.
type CreateRequest struct {
	Title           string  `json:"title" binding:"required"`
	DurationSeconds float64 `json:"duration_seconds" binding:"required,gt=0"`
}

// Create handles POST /videos.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	v := &models.Video{Title: req.Title, DurationSeconds: req.DurationSeconds}
	if err := h.repo.Create(c.Request.Context(), v); err != nil {
		response.Internal(c, "failed to create video")
		return
	}
	response.Created(c, v)
}

// GetByID handles GET /videos/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil || v == nil {
		response.NotFound(c, "video not found")
		return
	}
	response.OK(c, v)
}
