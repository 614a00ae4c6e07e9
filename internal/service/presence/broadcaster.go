// Package presence tells a user's conversation counterparts when the user comes
// online or goes offline.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/events"
	"github.com/iamasit07/souqchat/internal/worker"
)

const (
	maxConversations = 100
	broadcastTimeout = 5 * time.Second
)

type ConversationLister interface {
	ListActiveConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
}

type Fanout interface {
	SendToUser(userID string, frame domain.ServerMessage, except string) int
}

type Submitter interface {
	Submit(key string, job worker.Job) error
}

// Broadcaster implements session.PresenceListener. Work is handed to the pool
// keyed by user, so transitions of one user are broadcast in order.
type Broadcaster struct {
	convs  ConversationLister
	fanout Fanout
	pool   Submitter
	events events.Publisher
	now    func() time.Time
}

func NewBroadcaster(convs ConversationLister, fanout Fanout, pool Submitter, pub events.Publisher) *Broadcaster {
	return &Broadcaster{convs: convs, fanout: fanout, pool: pool, events: pub, now: time.Now}
}

func (b *Broadcaster) PresenceChanged(userID string, online bool) {
	at := b.now().UTC()
	err := b.pool.Submit(userID, func(ctx context.Context) {
		b.broadcast(ctx, userID, online, at)
	})
	if err != nil {
		log.Printf("[PRESENCE] Dropped transition for %s (online=%t): %v", userID, online, err)
	}
}

func (b *Broadcaster) broadcast(ctx context.Context, userID string, online bool, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	events.EmitAsync(b.events, events.Event{
		Type:   events.TypePresenceChanged,
		UserID: userID,
		Online: &online,
		At:     at,
	})

	convs, err := b.convs.ListActiveConversations(ctx, userID, maxConversations)
	if err != nil {
		log.Printf("[PRESENCE] Failed to list conversations of %s: %v", userID, err)
		return
	}

	frame := domain.ServerMessage{Type: domain.FramePresence, UserID: userID, Online: &online}
	seen := make(map[string]bool, len(convs))
	for i := range convs {
		peer := convs[i].Counterpart(userID)
		if peer == "" || seen[peer] {
			continue
		}
		seen[peer] = true
		b.fanout.SendToUser(peer, frame, "")
	}
}
