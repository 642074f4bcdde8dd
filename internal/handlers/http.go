package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/presence"
	"github.com/parlorchat/parlor/internal/room"
	"github.com/parlorchat/parlor/internal/signal"
)

// PresenceSeqHeader carries the snapshot sequence number so polling clients
// can discard a response that resolves after a newer one.
const PresenceSeqHeader = "X-Presence-Seq"

type Handler struct {
	svc *room.Service
	log logging.Logger
}

func New(svc *room.Service, log logging.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Join handles POST /api/join.
func (h *Handler) Join(c *gin.Context) {
	var req models.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.svc.Join(c.Request.Context(), req)
	switch {
	case errors.Is(err, presence.ErrNicknameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "nickname taken"})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "join failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// Leave handles POST /api/leave. Best effort and idempotent: tab-close
// beacons may fire more than once or for users already swept out, and all
// of that should come back 200.
func (h *Handler) Leave(c *gin.Context) {
	var req models.LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Leave(c.Request.Context(), req.UserID, req.Reason); err != nil {
		h.log.Warn(c.Request.Context(), "leave failed", "id", req.UserID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "left"})
}

// Heartbeat handles POST /api/heartbeat. A 404 tells the client its record
// is gone (store reset or expiry) and it must re-join.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.Heartbeat(c.Request.Context(), req.UserID)
	switch {
	case errors.Is(err, presence.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "heartbeat failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	}
}

// Users handles GET /api/users?exclude=id.
func (h *Handler) Users(c *gin.Context) {
	users, seq, err := h.svc.ListOnline(c.Request.Context(), c.Query("exclude"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.Header(PresenceSeqHeader, strconv.FormatUint(seq, 10))
	c.JSON(http.StatusOK, users)
}

// CheckNickname handles POST /api/check-nickname.
func (h *Handler) CheckNickname(c *gin.Context) {
	var req models.CheckNicknameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taken, err := h.svc.NicknameTaken(c.Request.Context(), req.Nickname)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, models.CheckNicknameResponse{Exists: taken})
}

// SendMessage handles POST /api/message.
func (h *Handler) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Messages handles GET /api/messages?limit=n.
func (h *Handler) Messages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.svc.Messages(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unavailable"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// Signal handles POST /api/signal/:type for clients on the polling
// transport. The request carries no connection-bound identity, so the
// claimed sender must at least hold a live event stream under that id: a
// sender cannot claim an id it could not also receive answers on.
func (h *Handler) Signal(c *gin.Context) {
	sigType := models.SignalType(c.Param("type"))
	if !sigType.IsSignaling() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown signal type"})
		return
	}

	var env models.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env.Type = sigType

	if !h.svc.Router().Reachable(env.From) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender has no event stream"})
		return
	}

	err := h.svc.Signal(c.Request.Context(), env.From, env)
	switch {
	case errors.Is(err, signal.ErrForgedSender):
		c.JSON(http.StatusForbidden, gin.H{"error": "sender mismatch"})
	case errors.Is(err, signal.ErrUndeliverable):
		c.JSON(http.StatusNotFound, gin.H{"error": "target not reachable"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"message": "routed"})
	}
}
