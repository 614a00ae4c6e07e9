// Package repository defines the persistence contract shared by the postgres,
// dynamodb and memory backends.
package repository

import (
	"context"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

// Retention is enforced by each backend's expiry mechanism. The services never
// delete messages or conversations.
type Retention struct {
	Message      time.Duration
	Conversation time.Duration
}

var DefaultRetention = Retention{
	Message:      365 * 24 * time.Hour,
	Conversation: 30 * 24 * time.Hour,
}

// Lookups return (nil, nil) when the row does not exist.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	FindByClientID(ctx context.Context, senderID, clientMessageID string) (*domain.Message, error)
	// UpdateStatus moves the message to status only if its current status is in
	// from. It reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, from []domain.MessageStatus, at time.Time) (bool, error)
	// ListByConversation returns messages in ascending seq. With AfterSeq set it
	// pages forward from it; otherwise it returns the newest Limit messages below
	// BeforeSeq (or overall).
	ListByConversation(ctx context.Context, ref string, page domain.Page) ([]domain.Message, error)
}

type ConversationStore interface {
	// UpsertConversation creates the conversation on first use and reserves the
	// next sequence number. LastSeq of the result is the reserved number and
	// LastMessageAt is max(previous, at). A ref already bound to a different pair
	// fails with domain.ErrNotParticipant.
	UpsertConversation(ctx context.Context, ref, a, b string, at time.Time) (*domain.Conversation, error)
	GetConversation(ctx context.Context, ref string) (*domain.Conversation, error)
	ListActiveConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
}

type DeviceStore interface {
	// RegisterDeviceToken inserts or refreshes a registration and evicts the
	// oldest ones beyond limit. It returns the evicted tokens.
	RegisterDeviceToken(ctx context.Context, d domain.DeviceToken, limit int) ([]string, error)
	// ListDeviceTokens returns the user's registrations, oldest first.
	ListDeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error)
	RemoveDeviceToken(ctx context.Context, userID, token string) error
	// PruneDeviceTokens removes registrations last validated before cutoff.
	PruneDeviceTokens(ctx context.Context, cutoff time.Time) (int, error)
}

type Store interface {
	MessageStore
	ConversationStore
	DeviceStore
}
