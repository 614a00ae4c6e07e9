package domain

import (
	"strings"
	"time"
)

// Conversation is the durable pairing of two participants. It is created lazily
// on the first message and never mutated by message content.
type Conversation struct {
	Ref           string    `json:"ref"`
	ParticipantA  string    `json:"participantA"`
	ParticipantB  string    `json:"participantB"`
	LastSeq       int64     `json:"lastSeq"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OrderedParticipants returns the pair sorted, so (a, b) and (b, a) are stored alike.
func OrderedParticipants(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ValidateParticipants enforces two distinct, non-empty identifiers.
func ValidateParticipants(a, b string) error {
	if strings.TrimSpace(a) == "" {
		return NewValidationError("senderId", "sender is required")
	}
	if strings.TrimSpace(b) == "" {
		return NewValidationError("recipientId", "recipient is required")
	}
	if a == b {
		return NewValidationError("recipientId", "cannot message yourself")
	}
	return nil
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c != nil && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterpart returns the other participant, or "" if userID is not part of c.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// Matches reports whether c is exactly the pair (a, b) in any order.
func (c *Conversation) Matches(a, b string) bool {
	x, y := OrderedParticipants(a, b)
	return c.ParticipantA == x && c.ParticipantB == y
}
