package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

type ConversationRepo struct {
	DB  *sql.DB
	TTL time.Duration
}

func NewConversationRepo(db *sql.DB, ttl time.Duration) *ConversationRepo {
	return &ConversationRepo{DB: db, TTL: ttl}
}

const conversationColumns = `ref, participant_a, participant_b, last_seq, last_message_at, created_at, expires_at > NOW()`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(
		&c.Ref,
		&c.ParticipantA,
		&c.ParticipantB,
		&c.LastSeq,
		&c.LastMessageAt,
		&c.CreatedAt,
		&c.Active,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConversation creates the conversation or reserves its next sequence number.
// The conflict branch only fires for the same participant pair.
func (r *ConversationRepo) UpsertConversation(ctx context.Context, ref, a, b string, at time.Time) (*domain.Conversation, error) {
	a, b = domain.OrderedParticipants(a, b)
	query := `
	INSERT INTO conversations (ref, participant_a, participant_b, last_seq, last_message_at, created_at, expires_at)
	VALUES ($1, $2, $3, 1, $4, $4, $5)
	ON CONFLICT (ref) DO UPDATE SET
		last_seq = conversations.last_seq + 1,
		last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at),
		expires_at = GREATEST(conversations.expires_at, EXCLUDED.expires_at)
	WHERE conversations.participant_a = EXCLUDED.participant_a
	  AND conversations.participant_b = EXCLUDED.participant_b
	RETURNING ` + conversationColumns + `;
	`
	c, err := scanConversation(r.DB.QueryRowContext(ctx, query, ref, a, b, at, at.Add(r.TTL)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ref
func (r *ConversationRepo) GetConversation(ctx context.Context, ref string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ref = $1;`
	c, err := scanConversation(r.DB.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// ListActiveConversations returns the user's unexpired conversations, most recent first
func (r *ConversationRepo) ListActiveConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT ` + conversationColumns + `
	FROM conversations
	WHERE (participant_a = $1 OR participant_b = $1) AND expires_at > NOW()
	ORDER BY last_message_at DESC
	LIMIT $2;
	`
	rows, err := r.DB.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
