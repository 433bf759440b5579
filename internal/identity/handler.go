package identity

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/couchsync/backend/pkg/response"
)

// Handler issues tokens. A stand-in for the real identity provider: this
// service only consumes tokens, it does not manage accounts.
type Handler struct {
	jwt *JWTService
}

// NewHandler creates an identity handler.
func NewHandler(jwt *JWTService) *Handler {
	return &Handler{jwt: jwt}
}

// TokenRequest is the body for POST /auth/token.
type TokenRequest struct {
	UserID string `json:"user_id"` // optional; a fresh id is minted when absent
}

// Token handles POST /auth/token.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	_ = c.ShouldBindJSON(&req)

	userID := uuid.New()
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			response.BadRequest(c, "invalid user_id")
			return
		}
		userID = id
	}
	token, err := h.jwt.Generate(userID)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, gin.H{"user_id": userID, "token": token})
}
