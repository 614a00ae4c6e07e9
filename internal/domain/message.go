package domain

import "time"

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeLocation    MessageType = "location"
	TypeSystem      MessageType = "system"
	TypeTransaction MessageType = "transaction_update"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeLocation, TypeSystem, TypeTransaction:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the happy path. FAILED is off the path and handled separately.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanTransition reports whether a message in status s may move to next.
// The path SENT -> DELIVERED -> READ only moves forward; FAILED is reachable
// from SENT or DELIVERED only.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if next == StatusFailed {
		return s == StatusSent || s == StatusDelivered
	}
	if s == StatusFailed || next.rank() == 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Predecessors returns every status from which next is reachable. Stores use it
// to make status updates conditional.
func Predecessors(next MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Message is the durable chat message. Only Status, Metadata and UpdatedAt change
// after creation.
type Message struct {
	ID               string        `json:"id"`
	ConversationRef  string        `json:"conversationRef"`
	Seq              int64         `json:"seq"`
	SenderID         string        `json:"senderId"`
	RecipientID      string        `json:"recipientId"`
	Content          string        `json:"content"`
	SecondaryContent string        `json:"secondaryContent,omitempty"`
	Type             MessageType   `json:"type"`
	Status           MessageStatus `json:"status"`
	Metadata         Metadata      `json:"metadata"`
	ClientMessageID  string        `json:"clientMessageId,omitempty"`
	Redacted         bool          `json:"redacted,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Page selects a window of a conversation by sequence number. Zero values mean
// unbounded; Limit is clamped by the caller.
type Page struct {
	AfterSeq  int64
	BeforeSeq int64
	Limit     int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.AfterSeq < 0 {
		p.AfterSeq = 0
	}
	if p.BeforeSeq < 0 {
		p.BeforeSeq = 0
	}
	return p
}

// Contains reports whether seq falls inside the page bounds (limit ignored).
func (p Page) Contains(seq int64) bool {
	if seq <= p.AfterSeq {
		return false
	}
	if p.BeforeSeq > 0 && seq >= p.BeforeSeq {
		return false
	}
	return true
}
