package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voicelink/internal/repository"
	"voicelink/internal/service/call"
	"voicelink/internal/service/presence"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/response"
)

const defaultHistoryLimit = 50

// Handler exposes the local call session over HTTP. The daemon runs one
// session for its configured user; clients (UI, CLI) drive it through
// these endpoints.
type Handler struct {
	username   string
	session    *call.Session
	presence   *presence.Service
	archive    repository.ArchiveRepository // nil when archiving is disabled
	recordings repository.RecordingRepository
}

// NewHandler creates a new call handler
func NewHandler(username string, session *call.Session, presenceSvc *presence.Service, archive repository.ArchiveRepository, recordings repository.RecordingRepository) *Handler {
	return &Handler{
		username:   username,
		session:    session,
		presence:   presenceSvc,
		archive:    archive,
		recordings: recordings,
	}
}

// RegisterRoutes mounts the call endpoints on the router group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/session", h.GetSession)
	r.POST("/session/mute", h.SetMute)
	r.POST("/calls", h.InitiateCall)
	r.POST("/calls/accept", h.AcceptCall)
	r.POST("/calls/decline", h.DeclineCall)
	r.POST("/calls/end", h.EndCall)
	r.GET("/calls/history", h.GetHistory)
	r.GET("/calls/:id/recording", h.GetRecording)
	r.GET("/users/:username/availability", h.GetAvailability)
}

// GetSession returns the current session snapshot
// GET /v1/session
func (h *Handler) GetSession(c *gin.Context) {
	snap, err := h.session.Snapshot(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// InitiateCallRequest is the call initiation payload
type InitiateCallRequest struct {
	Receiver string `json:"receiver" binding:"required"`
}

// InitiateCall starts a call to another user
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.session.Initiate(c.Request.Context(), req.Receiver); err != nil {
		response.FromError(c, err)
		return
	}

	snap, err := h.session.Snapshot(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, snap)
}

// AcceptCall answers the ringing call
// POST /v1/calls/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	if err := h.session.Accept(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "call accepted"})
}

// DeclineCall rejects the ringing call
// POST /v1/calls/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	if err := h.session.Decline(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "call declined"})
}

// EndCall hangs up the active call. Idempotent.
// POST /v1/calls/end
func (h *Handler) EndCall(c *gin.Context) {
	if err := h.session.End(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "call ended"})
}

// SetMuteRequest is the mute toggle payload
type SetMuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

// SetMute toggles the session-local microphone mute flag
// POST /v1/session/mute
func (h *Handler) SetMute(c *gin.Context) {
	var req SetMuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if err := h.session.SetMute(c.Request.Context(), *req.Muted); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"muted": *req.Muted})
}

// GetHistory returns the user's archived calls, newest first
// GET /v1/calls/history?limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	if h.archive == nil {
		response.NotFound(c, "call history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			response.ValidationError(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	calls, err := h.archive.History(c.Request.Context(), h.username, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

// GetRecording returns the recording row for a call
// GET /v1/calls/:id/recording
func (h *Handler) GetRecording(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "invalid call ID")
		return
	}

	rec, err := h.recordings.Get(c.Request.Context(), callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			response.NotFound(c, "no recording for this call")
			return
		}
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, rec)
}

// GetAvailability reports whether a user is reachable: online with a
// fresh heartbeat. A reachable user may still answer busy.
// GET /v1/users/:username/availability
func (h *Handler) GetAvailability(c *gin.Context) {
	username := c.Param("username")
	available, err := h.presence.Available(c.Request.Context(), username)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"username":  username,
		"available": available,
	})
}
