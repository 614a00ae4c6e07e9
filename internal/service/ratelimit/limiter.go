// Package ratelimit implements per-user fixed-window counters, one window per
// (user, action class) pair.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iamasit07/souqchat/internal/config"
)

type ActionClass string

const (
	ActionSend   ActionClass = "message_send"
	ActionTyping ActionClass = "typing"
	ActionStatus ActionClass = "status_update"
)

type Decision struct {
	Allowed bool
	RetryAt time.Time
}

type window struct {
	count int
	start time.Time
}

type key struct {
	user  string
	class ActionClass
}

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	windows map[key]*window
}

type Limiter struct {
	limits map[ActionClass]config.RateLimit
	shards [shardCount]shard
	now    func() time.Time
}

func New(limits map[ActionClass]config.RateLimit) *Limiter {
	l := &Limiter{limits: limits, now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[key]*window)
	}
	return l
}

// FromConfig builds a limiter with the three configured action classes.
func FromConfig(cfg *config.Config) *Limiter {
	return New(map[ActionClass]config.RateLimit{
		ActionSend:   cfg.SendRate,
		ActionTyping: cfg.TypingRate,
		ActionStatus: cfg.StatusRate,
	})
}

// WithClock replaces the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) shardFor(userID string) *shard {
	return &l.shards[xxhash.Sum64String(userID)%shardCount]
}

// Allow counts one action. Unknown classes and non-positive limits are never limited.
func (l *Limiter) Allow(userID string, class ActionClass) Decision {
	limit, ok := l.limits[class]
	if !ok || limit.Limit <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true}
	}

	now := l.now()
	s := l.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{user: userID, class: class}
	w, ok := s.windows[k]
	if !ok || now.Sub(w.start) >= limit.Window {
		s.windows[k] = &window{count: 1, start: now}
		return Decision{Allowed: true}
	}

	w.count++
	if w.count > limit.Limit {
		return Decision{Allowed: false, RetryAt: w.start.Add(limit.Window)}
	}
	return Decision{Allowed: true}
}

// Sweep drops windows that have already elapsed. It returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if now.Sub(w.start) >= l.limits[k.class].Window {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked windows.
func (l *Limiter) Len() int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}
