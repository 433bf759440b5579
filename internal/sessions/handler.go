package sessions

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/couchsync/backend/internal/middleware"
	"github.com/couchsync/backend/internal/models"
	"github.com/couchsync/backend/internal/playsync"
	"github.com/couchsync/backend/internal/sessionstore"
	"github.com/couchsync/backend/pkg/response"
)

// Handler exposes the session registry over HTTP. Playback control and
// heartbeats go over the WebSocket channel; this surface covers creation,
// lookup and termination. Lookups fall back to the store for sessions that
// already ended and left the engine.
type Handler struct {
	svc   *playsync.Service
	store *sessionstore.Repository
}

// NewHandler creates a sessions handler.
func NewHandler(svc *playsync.Service, store *sessionstore.Repository) *Handler {
	return &Handler{svc: svc, store: store}
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	VideoID                 string `json:"video_id" binding:"required,uuid"`
	Name                    string `json:"name"`
	MaxParticipants         int    `json:"max_participants"`
	AllowParticipantControl bool   `json:"allow_participant_control"`
	AllowSeek               *bool  `json:"allow_seek"`
	AllowPause              *bool  `json:"allow_pause"`
	AllowRateChange         *bool  `json:"allow_rate_change"`
}

// Create handles POST /sessions. The authenticated user becomes the host.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	hostID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	videoID, _ := uuid.Parse(req.VideoID)

	settings := models.SessionSettings{
		MaxParticipants:         req.MaxParticipants,
		AllowParticipantControl: req.AllowParticipantControl,
		AllowSeek:               boolOr(req.AllowSeek, true),
		AllowPause:              boolOr(req.AllowPause, true),
		AllowRateChange:         boolOr(req.AllowRateChange, true),
	}
	session, err := h.svc.CreateSession(c.Request.Context(), videoID, req.Name, hostID, settings)
	if err != nil {
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, session)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.svc.GetSession(id)
	if errors.Is(err, playsync.ErrNotFound) {
		stored, storeErr := h.store.GetSession(c.Request.Context(), id)
		if storeErr == nil && stored != nil {
			response.OK(c, stored)
			return
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, session)
}

// GetByCode handles GET /sessions/code/:code (case-insensitive).
func (h *Handler) GetByCode(c *gin.Context) {
	session, err := h.svc.FindByAccessCode(c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, session)
}

// Participants handles GET /sessions/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.svc.Participants(id)
	if errors.Is(err, playsync.ErrNotFound) {
		stored, storeErr := h.store.ListParticipants(c.Request.Context(), id)
		if storeErr == nil && len(stored) > 0 {
			response.OK(c, stored)
			return
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

// Events handles GET /sessions/:id/events: the persisted audit trail of
// joins, leaves, evictions, host changes and termination.
func (h *Handler) Events(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.store.ListEvents(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load events")
		return
	}
	response.OK(c, list)
}

// End handles DELETE /sessions/:id (host or controller only).
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	actorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.svc.EndSession(id, actorID); err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{"ended": true})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, playsync.ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, playsync.ErrPermissionDenied):
		response.Forbidden(c, "permission denied")
	case errors.Is(err, playsync.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, playsync.ErrCapacity):
		response.Conflict(c, "session is full")
	case errors.Is(err, playsync.ErrSessionEnded):
		response.Gone(c, "session has ended")
	default:
		response.Internal(c, "internal error")
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
