package domain

import "time"

// Client -> server frame types.
const (
	FrameInit        = "init"
	FrameSendMessage = "send_message"
	FrameMarkRead    = "mark_read"
	FrameTyping      = "typing"
	FrameSync        = "sync"
)

// Server -> client frame types.
const (
	FrameReady           = "ready"
	FrameMessageAck      = "message_ack"
	FrameMessageReceived = "message_received"
	FrameMessageSent     = "message_sent"
	FrameStatusChanged   = "status_changed"
	FrameRateLimited     = "rate_limited"
	FrameQualityWarning  = "quality_warning"
	FramePresence        = "presence"
	FrameHistory         = "history"
	FrameError           = "error"
)

// ClientMessage is any frame a client sends. Fields are populated per Type.
type ClientMessage struct {
	Type             string      `json:"type"`
	JWT              string      `json:"jwt,omitempty"`
	RecipientID      string      `json:"recipientId,omitempty"`
	Content          string      `json:"content,omitempty"`
	SecondaryContent string      `json:"secondaryContent,omitempty"`
	MessageType      MessageType `json:"messageType,omitempty"`
	ConversationRef  string      `json:"conversationRef,omitempty"`
	ClientMessageID  string      `json:"clientMessageId,omitempty"`
	Metadata         Metadata    `json:"metadata"`
	MessageID        string      `json:"messageId,omitempty"`
	AfterSeq         int64       `json:"afterSeq,omitempty"`
	Limit            int         `json:"limit,omitempty"`
}

// ServerMessage is any frame the server pushes to a connection.
type ServerMessage struct {
	Type            string        `json:"type"`
	ConnectionID    string        `json:"connectionId,omitempty"`
	Message         *Message      `json:"message,omitempty"`
	Messages        []Message     `json:"messages,omitempty"`
	MessageID       string        `json:"messageId,omitempty"`
	ConversationRef string        `json:"conversationRef,omitempty"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	Status          MessageStatus `json:"status,omitempty"`
	UserID          string        `json:"userId,omitempty"`
	Online          *bool         `json:"online,omitempty"`
	Action          string        `json:"action,omitempty"`
	RetryAfter      *time.Time    `json:"retryAfter,omitempty"`
	LatencyMs       int64         `json:"latencyMs,omitempty"`
	ThresholdMs     int64         `json:"thresholdMs,omitempty"`
	Code            string        `json:"code,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func ErrorFrame(err error) ServerMessage {
	return ServerMessage{Type: FrameError, Code: ErrorCode(err), Error: err.Error()}
}

func StatusFrame(m *Message) ServerMessage {
	return ServerMessage{
		Type:            FrameStatusChanged,
		MessageID:       m.ID,
		ConversationRef: m.ConversationRef,
		Status:          m.Status,
	}
}
