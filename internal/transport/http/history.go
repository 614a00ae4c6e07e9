package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/transport/http/middleware"
)

type HistoryReader interface {
	History(ctx context.Context, userID, ref string, page domain.Page) ([]domain.Message, error)
}

type HistoryHandler struct {
	Messages HistoryReader
}

func NewHistoryHandler(messages HistoryReader) *HistoryHandler {
	return &HistoryHandler{Messages: messages}
}

type historyResponse struct {
	ConversationRef string           `json:"conversationRef"`
	Messages        []domain.Message `json:"messages"`
	// NextAfterSeq is the cursor for the following forward page.
	NextAfterSeq int64 `json:"nextAfterSeq"`
}

func queryInt64(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, domain.NewValidationError(key, "must be a non-negative integer")
	}
	return v, nil
}

// GetMessages serves GET /api/conversations/:ref/messages?after=&before=&limit=
func (h *HistoryHandler) GetMessages(c *gin.Context) {
	var page domain.Page
	var err error
	if page.AfterSeq, err = queryInt64(c, "after"); err != nil {
		writeError(c, err)
		return
	}
	if page.BeforeSeq, err = queryInt64(c, "before"); err != nil {
		writeError(c, err)
		return
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	page.Limit = int(limit)

	ref := c.Param("ref")
	msgs, err := h.Messages.History(c.Request.Context(), middleware.UserID(c), ref, page)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	resp := historyResponse{ConversationRef: ref, Messages: msgs, NextAfterSeq: page.AfterSeq}
	if n := len(msgs); n > 0 {
		resp.NextAfterSeq = msgs[n-1].Seq
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case "unauthorized":
		return http.StatusUnauthorized
	case "validation":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "busy", "unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error","code"}; internal details are logged only.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "Internal server error"
	}
	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		c.JSON(status, gin.H{"error": msg, "code": domain.ErrorCode(err), "field": valErr.Field})
		return
	}
	c.JSON(status, gin.H{"error": msg, "code": domain.ErrorCode(err)})
}
