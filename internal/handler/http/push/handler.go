package push

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"voicelink/pkg/push"
	"voicelink/pkg/response"
)

// Handler manages device token registration for push notifications
type Handler struct {
	service  *push.Service
	username string
}

// NewHandler creates a new push handler
func NewHandler(service *push.Service, username string) *Handler {
	return &Handler{service: service, username: username}
}

// RegisterRoutes mounts the push endpoints on the router group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/push/tokens", h.RegisterToken)
	r.DELETE("/push/tokens", h.UnregisterTokens)
}

// RegisterTokenRequest is the token registration payload
type RegisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
	Type  string `json:"type" binding:"required,oneof=fcm apns"`
}

// RegisterToken stores a device token for the local user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.RegisterToken(c.Request.Context(), h.username, req.Token, push.TokenType(req.Type)); err != nil {
		response.InternalError(c, "failed to register push token")
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"message": "token registered"})
}

// UnregisterTokens removes every device token for the local user
// DELETE /v1/push/tokens
func (h *Handler) UnregisterTokens(c *gin.Context) {
	if err := h.service.UnregisterTokens(c.Request.Context(), h.username); err != nil {
		response.InternalError(c, "failed to unregister push tokens")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "tokens unregistered"})
}
