// Package websocket serves the realtime chat protocol: JSON frames with a "type"
// field over a gorilla websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/service/delivery"
	"github.com/iamasit07/souqchat/internal/service/session"
	"github.com/iamasit07/souqchat/internal/worker"
	"github.com/iamasit07/souqchat/pkg/httputil"
	"github.com/iamasit07/souqchat/pkg/useragent"
)

const (
	initWait       = 10 * time.Second
	maxFrameBytes  = 64 << 10
	defaultHistory = 50
)

type MessagePipeline interface {
	Send(ctx context.Context, req delivery.SendRequest) (*domain.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (*domain.Message, error)
	History(ctx context.Context, userID, ref string, page domain.Page) ([]domain.Message, error)
	Typing(ctx context.Context, senderID, recipientID, ref string) error
}

type Submitter interface {
	Submit(key string, job worker.Job) error
}

// Handler manages WebSocket dependencies
type Handler struct {
	Sessions *session.Manager
	Pipeline MessagePipeline
	Pool     Submitter
	Upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. Requests without an Origin header
// (native apps) are always accepted.
func NewHandler(sessions *session.Manager, pipeline MessagePipeline, pool Submitter, allowedOrigins []string) *Handler {
	return &Handler{
		Sessions: sessions,
		Pipeline: pipeline,
		Pool:     pool,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleWebSocket is the HTTP handler that upgrades the connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	h.handleConnection(r, conn)
}

// readInit waits for the init frame carrying the credential.
func readInit(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(initWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var msg domain.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", domain.NewValidationError("frame", "invalid json")
	}
	if msg.Type != domain.FrameInit || msg.JWT == "" {
		return "", &domain.AuthError{Reason: "missing init frame or token"}
	}
	return msg.JWT, nil
}

// handleConnection manages the lifecycle of a single WebSocket connection
func (h *Handler) handleConnection(r *http.Request, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	socket := NewSocket(conn)

	credential, err := httputil.GetTokenFromRequest(r)
	if err != nil {
		if credential, err = readInit(conn); err != nil {
			log.Printf("[WS] Init failed from %s: %v", useragent.ExtractIPAddress(r), err)
			_ = socket.WriteFrame(context.Background(), domain.ErrorFrame(err))
			socket.Close()
			return
		}
	}

	c, err := h.Sessions.Open(r.Context(), credential, useragent.FromRequest(r), socket)
	if err != nil {
		log.Printf("[WS] Rejected connection: %v", err)
		_ = socket.WriteFrame(context.Background(), domain.ErrorFrame(err))
		socket.Close()
		return
	}
	defer h.Sessions.Close(c.ID)

	if err := c.Send(domain.ServerMessage{Type: domain.FrameReady, ConnectionID: c.ID, UserID: c.UserID}); err != nil {
		return
	}
	log.Printf("[WS] Connection initialized for user %s (%s)", c.UserID, c.ID)

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.Context().Err() == nil {
				log.Printf("[WS] User %s disconnected unexpectedly: %v", c.UserID, err)
			}
			return
		}
		c.Touch()

		var msg domain.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, domain.NewValidationError("frame", "invalid json"), "")
			continue
		}
		h.processMessage(c, msg)
	}
}

// processMessage routes frames to the pipeline. Work is partitioned by
// conversation so one conversation is handled in order.
func (h *Handler) processMessage(c *session.Connection, msg domain.ClientMessage) {
	switch msg.Type {
	case domain.FrameSendMessage:
		req := delivery.SendRequest{
			SenderID:           c.UserID,
			RecipientID:        msg.RecipientID,
			Content:            msg.Content,
			SecondaryContent:   msg.SecondaryContent,
			Type:               msg.MessageType,
			ConversationRef:    msg.ConversationRef,
			Metadata:           msg.Metadata,
			ClientMessageID:    msg.ClientMessageID,
			OriginConnectionID: c.ID,
		}
		key := delivery.ConversationRefFor(msg.ConversationRef, c.UserID, msg.RecipientID)
		h.submit(c, key, msg.ClientMessageID, func(ctx context.Context) {
			m, err := h.Pipeline.Send(ctx, req)
			if err != nil {
				h.reply(c, err, msg.ClientMessageID)
				return
			}
			_ = c.Send(domain.ServerMessage{
				Type:            domain.FrameMessageAck,
				Message:         m,
				MessageID:       m.ID,
				ConversationRef: m.ConversationRef,
				ClientMessageID: msg.ClientMessageID,
				Status:          m.Status,
			})
		})

	case domain.FrameMarkRead:
		if msg.MessageID == "" {
			h.reply(c, domain.NewValidationError("messageId", "message id is required"), "")
			return
		}
		key := msg.ConversationRef
		if key == "" {
			key = msg.MessageID
		}
		h.submit(c, key, "", func(ctx context.Context) {
			m, err := h.Pipeline.MarkRead(ctx, msg.MessageID, c.UserID)
			if err != nil {
				h.reply(c, err, "")
				return
			}
			_ = c.Send(domain.StatusFrame(m))
		})

	case domain.FrameTyping:
		key := delivery.ConversationRefFor(msg.ConversationRef, c.UserID, msg.RecipientID)
		h.submit(c, key, "", func(ctx context.Context) {
			if err := h.Pipeline.Typing(ctx, c.UserID, msg.RecipientID, msg.ConversationRef); err != nil {
				h.reply(c, err, "")
			}
		})

	case domain.FrameSync:
		if msg.ConversationRef == "" {
			h.reply(c, domain.NewValidationError("conversationRef", "conversation ref is required"), "")
			return
		}
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultHistory
		}
		h.submit(c, msg.ConversationRef, "", func(ctx context.Context) {
			msgs, err := h.Pipeline.History(ctx, c.UserID, msg.ConversationRef, domain.Page{AfterSeq: msg.AfterSeq, Limit: limit})
			if err != nil {
				h.reply(c, err, "")
				return
			}
			_ = c.Send(domain.ServerMessage{Type: domain.FrameHistory, ConversationRef: msg.ConversationRef, Messages: msgs})
		})

	case domain.FrameInit:
		// already authenticated

	default:
		h.reply(c, domain.NewValidationError("type", "unknown frame type "+msg.Type), "")
	}
}

func (h *Handler) submit(c *session.Connection, key, clientMessageID string, job worker.Job) {
	if err := h.Pool.Submit(key, job); err != nil {
		log.Printf("[WS] Could not queue frame from %s: %v", c.ID, err)
		h.reply(c, err, clientMessageID)
	}
}

// reply turns a pipeline error into a rate_limited or error frame.
func (h *Handler) reply(c *session.Connection, err error, clientMessageID string) {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		retryAt := rateErr.RetryAt
		_ = c.Send(domain.ServerMessage{
			Type:            domain.FrameRateLimited,
			Action:          rateErr.Action,
			RetryAfter:      &retryAt,
			ClientMessageID: clientMessageID,
			Code:            domain.ErrorCode(err),
			Error:           err.Error(),
		})
		return
	}

	frame := domain.ErrorFrame(err)
	frame.ClientMessageID = clientMessageID
	if frame.Code == "internal" {
		log.Printf("[WS] Frame from %s failed: %v", c.ID, err)
		frame.Error = "internal error"
	}
	_ = c.Send(frame)
}
