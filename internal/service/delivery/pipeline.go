// Package delivery accepts, persists and fans out chat messages, and applies
// read receipts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/events"
	"github.com/iamasit07/souqchat/internal/repository"
	"github.com/iamasit07/souqchat/internal/service/ratelimit"
	"github.com/iamasit07/souqchat/internal/telemetry"
	"github.com/iamasit07/souqchat/pkg/uid"
)

const lockStripes = 64

type SendRequest struct {
	SenderID           string
	RecipientID        string
	Content            string
	SecondaryContent   string
	Type               domain.MessageType
	ConversationRef    string
	Metadata           domain.Metadata
	ClientMessageID    string
	OriginConnectionID string
}

type RateGate interface {
	Allow(userID string, class ratelimit.ActionClass) ratelimit.Decision
}

type Fanout interface {
	SendToUser(userID string, frame domain.ServerMessage, except string) int
}

// Notifier must return immediately; delivery to devices happens elsewhere.
type Notifier interface {
	Notify(recipientID string, m *domain.Message, locale string)
	NotifyStatus(recipientID string, m *domain.Message, locale string)
}

type Store interface {
	repository.MessageStore
	repository.ConversationStore
}

type Options struct {
	Metrics *telemetry.Metrics
	Events  events.Publisher
}

type Pipeline struct {
	store    Store
	sessions Fanout
	limiter  RateGate
	rules    *ContentRules
	notifier Notifier
	metrics  *telemetry.Metrics
	events   events.Publisher
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

func NewPipeline(store Store, sessions Fanout, limiter RateGate, rules *ContentRules, notifier Notifier, opts Options) *Pipeline {
	return &Pipeline{
		store:    store,
		sessions: sessions,
		limiter:  limiter,
		rules:    rules,
		notifier: notifier,
		metrics:  opts.Metrics,
		events:   opts.Events,
		now:      time.Now,
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func (p *Pipeline) lockFor(ref string) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(ref)%lockStripes]
}

func (p *Pipeline) gate(ctx context.Context, userID string, class ratelimit.ActionClass) error {
	d := p.limiter.Allow(userID, class)
	if d.Allowed {
		return nil
	}
	p.metrics.RateLimited(ctx, string(class))
	return &domain.RateLimitError{Action: string(class), RetryAt: d.RetryAt}
}

// ConversationRefFor returns ref, or the derived direct-conversation ref when
// ref is empty.
func ConversationRefFor(ref, a, b string) string {
	if ref != "" {
		return ref
	}
	return uid.ConversationRef(a, b)
}

// resolveRef is ConversationRefFor for writes. A derived direct ref is only
// accepted from the pair it was derived from.
func resolveRef(ref, senderID, recipientID string) (string, error) {
	derived := uid.ConversationRef(senderID, recipientID)
	if ref == "" {
		return derived, nil
	}
	if strings.HasPrefix(ref, uid.DirectConversationPrefix) && ref != derived {
		return "", domain.NewValidationError("conversationRef", "belongs to a different pair")
	}
	return ref, nil
}

// Send validates, persists and delivers one message. A replayed
// ClientMessageID returns the stored message without delivering it again.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	// replays do not consume send budget
	if existing, err := p.findReplay(ctx, req); err != nil || existing != nil {
		return existing, err
	}
	if err := p.gate(ctx, req.SenderID, ratelimit.ActionSend); err != nil {
		return nil, err
	}
	if err := p.rules.Validate(&req); err != nil {
		return nil, err
	}

	ref, err := resolveRef(req.ConversationRef, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}
	content, redacted := p.rules.Redact(req.Content)
	secondary, redactedSecondary := p.rules.Redact(req.SecondaryContent)

	lock := p.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := p.findReplay(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	conv, err := p.store.UpsertConversation(ctx, ref, req.SenderID, req.RecipientID, p.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotParticipant) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve sequence: %w", err)
	}

	msg := &domain.Message{
		ID:               uid.NewMessageID(),
		ConversationRef:  ref,
		Seq:              conv.LastSeq,
		SenderID:         req.SenderID,
		RecipientID:      req.RecipientID,
		Content:          content,
		SecondaryContent: secondary,
		Type:             req.Type,
		Status:           domain.StatusSent,
		Metadata:         req.Metadata,
		ClientMessageID:  req.ClientMessageID,
		Redacted:         redacted || redactedSecondary,
		CreatedAt:        conv.LastMessageAt,
		UpdatedAt:        conv.LastMessageAt,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		// a concurrent replay on another ref may have won the client id
		if existing, findErr := p.findReplay(ctx, req); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	p.metrics.MessageAccepted(ctx, string(msg.Type))
	events.EmitAsync(p.events, events.Event{
		Type:            events.TypeMessageCreated,
		ConversationRef: msg.ConversationRef,
		MessageID:       msg.ID,
		Seq:             msg.Seq,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		MessageType:     string(msg.Type),
		Status:          string(msg.Status),
		At:              msg.CreatedAt,
	})

	p.fanOut(ctx, msg, req.OriginConnectionID)
	p.notifier.Notify(msg.RecipientID, snapshot(msg), "")
	return msg, nil
}

func (p *Pipeline) findReplay(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if req.ClientMessageID == "" {
		return nil, nil
	}
	existing, err := p.store.FindByClientID(ctx, req.SenderID, req.ClientMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to check client message id: %w", err)
	}
	return existing, nil
}

// snapshot copies m so frames queued for writers never share mutable state.
func snapshot(m *domain.Message) *domain.Message {
	c := *m
	return &c
}

// fanOut runs under the conversation lock, so recipients see messages in
// sequence order.
func (p *Pipeline) fanOut(ctx context.Context, msg *domain.Message, origin string) {
	p.sessions.SendToUser(msg.SenderID, domain.ServerMessage{
		Type:            domain.FrameMessageSent,
		Message:         snapshot(msg),
		ClientMessageID: msg.ClientMessageID,
	}, origin)

	pushed := p.sessions.SendToUser(msg.RecipientID, domain.ServerMessage{
		Type:    domain.FrameMessageReceived,
		Message: snapshot(msg),
	}, "")
	p.metrics.LivePush(ctx, pushed > 0)
	if pushed == 0 {
		return
	}

	now := p.now().UTC()
	ok, err := p.store.UpdateStatus(ctx, msg.ID, domain.StatusDelivered, domain.Predecessors(domain.StatusDelivered), now)
	if err != nil {
		log.Printf("[DELIVERY] Failed to mark %s delivered: %v", msg.ID, err)
		return
	}
	if !ok {
		return
	}
	msg.Status = domain.StatusDelivered
	msg.UpdatedAt = now
	p.statusChanged(msg)
}

func (p *Pipeline) statusChanged(msg *domain.Message) {
	p.sessions.SendToUser(msg.SenderID, domain.StatusFrame(msg), "")
	events.EmitAsync(p.events, events.Event{
		Type:            events.TypeStatusChanged,
		ConversationRef: msg.ConversationRef,
		MessageID:       msg.ID,
		Seq:             msg.Seq,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		Status:          string(msg.Status),
		At:              msg.UpdatedAt,
	})
}

// MarkRead moves a message to READ on behalf of its recipient. Repeats, and
// reads by the sender, return the message unchanged and are not rate limited.
func (p *Pipeline) MarkRead(ctx context.Context, messageID, readerID string) (*domain.Message, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil || (msg.RecipientID != readerID && msg.SenderID != readerID) {
		return nil, &domain.NotFoundError{Kind: "message", ID: messageID}
	}
	if msg.RecipientID != readerID || !msg.Status.CanTransition(domain.StatusRead) {
		return msg, nil
	}
	if err := p.gate(ctx, readerID, ratelimit.ActionStatus); err != nil {
		return nil, err
	}

	lock := p.lockFor(msg.ConversationRef)
	lock.Lock()
	defer lock.Unlock()

	now := p.now().UTC()
	ok, err := p.store.UpdateStatus(ctx, msg.ID, domain.StatusRead, domain.Predecessors(domain.StatusRead), now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	if !ok {
		current, err := p.store.GetMessage(ctx, messageID)
		if err != nil || current == nil {
			return msg, err
		}
		return current, nil
	}

	msg.Status = domain.StatusRead
	msg.UpdatedAt = now
	p.statusChanged(msg)
	p.notifier.NotifyStatus(msg.SenderID, snapshot(msg), "")
	return msg, nil
}

// History returns a page of the conversation in ascending sequence. Reading
// never changes message status.
func (p *Pipeline) History(ctx context.Context, userID, ref string, page domain.Page) ([]domain.Message, error) {
	conv, err := p.store.GetConversation(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, &domain.NotFoundError{Kind: "conversation", ID: ref}
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	msgs, err := p.store.ListByConversation(ctx, ref, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Typing relays an ephemeral typing indicator to the recipient's devices.
func (p *Pipeline) Typing(ctx context.Context, senderID, recipientID, ref string) error {
	if err := p.gate(ctx, senderID, ratelimit.ActionTyping); err != nil {
		return err
	}
	if err := domain.ValidateParticipants(senderID, recipientID); err != nil {
		return err
	}
	ref, err := resolveRef(ref, senderID, recipientID)
	if err != nil {
		return err
	}
	conv, err := p.store.GetConversation(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv != nil && !conv.Matches(senderID, recipientID) {
		return domain.ErrNotParticipant
	}
	p.sessions.SendToUser(recipientID, domain.ServerMessage{
		Type:            domain.FrameTyping,
		UserID:          senderID,
		ConversationRef: ref,
	}, "")
	return nil
}
