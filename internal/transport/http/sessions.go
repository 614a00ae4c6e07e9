package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/pkg/httputil"
)

type Revoker interface {
	Revoke(ctx context.Context, credential string) error
}

type SessionHandler struct {
	Identity Revoker
}

func NewSessionHandler(identity Revoker) *SessionHandler {
	return &SessionHandler{Identity: identity}
}

// Revoke serves POST /api/sessions/revoke. The presented token is rejected on
// every later request and WebSocket connect. Live sockets are left open.
func (h *SessionHandler) Revoke(c *gin.Context) {
	token, err := httputil.GetTokenFromRequest(c.Request)
	if err != nil {
		writeError(c, &domain.AuthError{Reason: "missing credential", Err: err})
		return
	}
	if err := h.Identity.Revoke(c.Request.Context(), token); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
