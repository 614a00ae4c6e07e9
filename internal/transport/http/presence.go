package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/service/session"
)

type PresenceReader interface {
	Presence(userID string) session.Presence
}

type PresenceHandler struct {
	Sessions PresenceReader
}

func NewPresenceHandler(sessions PresenceReader) *PresenceHandler {
	return &PresenceHandler{Sessions: sessions}
}

type presenceResponse struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	LatencyMs   int64      `json:"latencyMs,omitempty"`
}

// GetPresence reports whether the user has at least one live connection, and
// how healthy the best of them is.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	p := h.Sessions.Presence(userID)

	resp := presenceResponse{
		UserID:      userID,
		Online:      p.Online,
		Connections: p.Connections,
		LatencyMs:   p.Latency.Milliseconds(),
	}
	if p.Online {
		seen := p.LastSeen.UTC()
		resp.LastSeen = &seen
	}
	c.JSON(http.StatusOK, resp)
}
