package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

type MessageRepo struct {
	DB  *sql.DB
	TTL time.Duration
}

func NewMessageRepo(db *sql.DB, ttl time.Duration) *MessageRepo {
	return &MessageRepo{DB: db, TTL: ttl}
}

const messageColumns = `id, conversation_ref, seq, sender_id, recipient_id, content, secondary_content,
	type, status, metadata, client_message_id, redacted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m        domain.Message
		metadata []byte
		clientID sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationRef,
		&m.Seq,
		&m.SenderID,
		&m.RecipientID,
		&m.Content,
		&m.SecondaryContent,
		&m.Type,
		&m.Status,
		&metadata,
		&clientID,
		&m.Redacted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
		}
	}
	m.ClientMessageID = clientID.String
	return &m, nil
}

// InsertMessage stores a new message
func (r *MessageRepo) InsertMessage(ctx context.Context, m *domain.Message) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	clientID := sql.NullString{String: m.ClientMessageID, Valid: m.ClientMessageID != ""}

	query := `
	INSERT INTO messages (id, conversation_ref, seq, sender_id, recipient_id, content, secondary_content,
		type, status, metadata, client_message_id, redacted, created_at, updated_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`
	_, err = r.DB.ExecContext(ctx, query,
		m.ID, m.ConversationRef, m.Seq, m.SenderID, m.RecipientID, m.Content, m.SecondaryContent,
		string(m.Type), string(m.Status), string(metadata), clientID, m.Redacted,
		m.CreatedAt, m.UpdatedAt, m.CreatedAt.Add(r.TTL),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND expires_at > NOW();`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// FindByClientID looks up a message by the sender's idempotency key
func (r *MessageRepo) FindByClientID(ctx context.Context, senderID, clientMessageID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + `
	FROM messages
	WHERE sender_id = $1 AND client_message_id = $2 AND expires_at > NOW();`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, senderID, clientMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by client id: %w", err)
	}
	return m, nil
}

// UpdateStatus sets status only when the current status is one of from
func (r *MessageRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, from []domain.MessageStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{id, string(status), at}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `
	UPDATE messages
	SET status = $2, updated_at = $3
	WHERE id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `) AND expires_at > NOW();
	`
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByConversation pages through a conversation in ascending seq
func (r *MessageRepo) ListByConversation(ctx context.Context, ref string, page domain.Page) ([]domain.Message, error) {
	page = page.Normalize()

	where := []string{"conversation_ref = $1", "expires_at > NOW()"}
	args := []any{ref}
	if page.AfterSeq > 0 {
		args = append(args, page.AfterSeq)
		where = append(where, fmt.Sprintf("seq > $%d", len(args)))
	}
	if page.BeforeSeq > 0 {
		args = append(args, page.BeforeSeq)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}
	args = append(args, page.Limit)
	limit := fmt.Sprintf("$%d", len(args))

	var query string
	if page.AfterSeq > 0 {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
			` ORDER BY seq ASC LIMIT ` + limit + `;`
	} else {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT * FROM messages WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq DESC LIMIT ` + limit + `
		) latest ORDER BY seq ASC;`
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
