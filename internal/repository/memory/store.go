// Package memory is an in-process Store used for local development and tests.
// Expired rows become invisible to reads, emulating a backend TTL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/repository"
)

type Store struct {
	mu            sync.RWMutex
	messages      map[string]*domain.Message
	byClientID    map[string]string // sender + "\x00" + client id -> message id
	conversations map[string]*domain.Conversation
	devices       map[string]map[string]domain.DeviceToken // user -> token -> registration

	retention repository.Retention
	now       func() time.Time
}

func New(retention repository.Retention) *Store {
	return &Store{
		messages:      make(map[string]*domain.Message),
		byClientID:    make(map[string]string),
		conversations: make(map[string]*domain.Conversation),
		devices:       make(map[string]map[string]domain.DeviceToken),
		retention:     retention,
		now:           time.Now,
	}
}

// WithClock replaces the time source used for expiry. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) messageExpired(m *domain.Message) bool {
	return s.retention.Message > 0 && s.now().Sub(m.CreatedAt) > s.retention.Message
}

func (s *Store) conversationExpired(c *domain.Conversation) bool {
	return s.retention.Conversation > 0 && s.now().Sub(c.LastMessageAt) > s.retention.Conversation
}

func clientKey(senderID, clientID string) string {
	return senderID + "\x00" + clientID
}

func (s *Store) InsertMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	if m.ClientMessageID != "" {
		s.byClientID[clientKey(m.SenderID, m.ClientMessageID)] = m.ID
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok || s.messageExpired(m) {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) FindByClientID(ctx context.Context, senderID, clientMessageID string) (*domain.Message, error) {
	s.mu.RLock()
	id, ok := s.byClientID[clientKey(senderID, clientMessageID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

func (s *Store) UpdateStatus(_ context.Context, id string, status domain.MessageStatus, from []domain.MessageStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || s.messageExpired(m) {
		return false, nil
	}
	for _, f := range from {
		if m.Status == f {
			m.Status = status
			m.UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListByConversation(_ context.Context, ref string, page domain.Page) ([]domain.Message, error) {
	page = page.Normalize()
	s.mu.RLock()
	var all []domain.Message
	for _, m := range s.messages {
		if m.ConversationRef == ref && page.Contains(m.Seq) && !s.messageExpired(m) {
			all = append(all, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	if len(all) <= page.Limit {
		return all, nil
	}
	if page.AfterSeq > 0 {
		return all[:page.Limit], nil
	}
	return all[len(all)-page.Limit:], nil
}

func (s *Store) UpsertConversation(_ context.Context, ref, a, b string, at time.Time) (*domain.Conversation, error) {
	a, b = domain.OrderedParticipants(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[ref]
	if ok && !c.Matches(a, b) {
		return nil, domain.ErrNotParticipant
	}
	if !ok {
		c = &domain.Conversation{Ref: ref, ParticipantA: a, ParticipantB: b, CreatedAt: at}
		s.conversations[ref] = c
	}
	c.LastSeq++
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	c.Active = true
	cp := *c
	return &cp, nil
}

func (s *Store) GetConversation(_ context.Context, ref string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[ref]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Active = !s.conversationExpired(c)
	return &cp, nil
}

func (s *Store) ListActiveConversations(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	var out []domain.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) && !s.conversationExpired(c) {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RegisterDeviceToken(_ context.Context, d domain.DeviceToken, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.devices[d.UserID]
	if !ok {
		tokens = make(map[string]domain.DeviceToken)
		s.devices[d.UserID] = tokens
	}
	if existing, ok := tokens[d.Token]; ok {
		d.RegisteredAt = existing.RegisteredAt
	}
	tokens[d.Token] = d

	if limit <= 0 || len(tokens) <= limit {
		return nil, nil
	}
	list := sortedTokens(tokens)
	var evicted []string
	for _, t := range list[:len(list)-limit] {
		delete(tokens, t.Token)
		evicted = append(evicted, t.Token)
	}
	return evicted, nil
}

func sortedTokens(tokens map[string]domain.DeviceToken) []domain.DeviceToken {
	list := make([]domain.DeviceToken, 0, len(tokens))
	for _, t := range tokens {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RegisteredAt.Equal(list[j].RegisteredAt) {
			return list[i].Token < list[j].Token
		}
		return list[i].RegisteredAt.Before(list[j].RegisteredAt)
	})
	return list
}

func (s *Store) ListDeviceTokens(_ context.Context, userID string) ([]domain.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTokens(s.devices[userID]), nil
}

func (s *Store) RemoveDeviceToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens, ok := s.devices[userID]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(s.devices, userID)
		}
	}
	return nil
}

func (s *Store) PruneDeviceTokens(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for user, tokens := range s.devices {
		for token, d := range tokens {
			if d.LastValidatedAt.Before(cutoff) {
				delete(tokens, token)
				removed++
			}
		}
		if len(tokens) == 0 {
			delete(s.devices, user)
		}
	}
	return removed, nil
}

var _ repository.Store = (*Store)(nil)
