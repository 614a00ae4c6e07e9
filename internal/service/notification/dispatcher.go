// Package notification sends push notifications to a user's registered devices
// in the background.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iamasit07/souqchat/internal/config"
	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/integrations/push"
	"github.com/iamasit07/souqchat/internal/repository"
	"github.com/iamasit07/souqchat/internal/telemetry"
	"github.com/iamasit07/souqchat/internal/worker"
)

type Class string

const (
	ClassMessage Class = "message"
	ClassStatus  Class = "status"
)

type Submitter interface {
	Submit(key string, job worker.Job) error
}

type Config struct {
	TokenCap      int
	TokenExpiry   time.Duration
	PushTimeout   time.Duration
	MessageTTL    time.Duration
	StatusTTL     time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	DefaultLocale string
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TokenCap:      cfg.DeviceTokenCap,
		TokenExpiry:   cfg.DeviceTokenExpiry,
		PushTimeout:   cfg.PushTimeout,
		MessageTTL:    cfg.NotificationTTL,
		StatusTTL:     cfg.StatusNotificationTTL,
		MaxAttempts:   cfg.NotifyMaxAttempts,
		DefaultLocale: cfg.DefaultLocale,
	}
}

type job struct {
	class       Class
	recipientID string
	msg         *domain.Message
	locale      string
	expiresAt   time.Time
	attempt     int
	backoff     *backoff.ExponentialBackOff
	// tokens restricts a retry to the devices that failed last time
	tokens map[string]bool
}

type timer interface {
	Stop() bool
}

type Dispatcher struct {
	store   repository.DeviceStore
	gateway push.Gateway
	pool    Submitter
	cfg     Config
	metrics *telemetry.Metrics
	now     func() time.Time
	after   func(d time.Duration, f func()) timer

	mu      sync.Mutex
	pending map[*job]timer
	closed  bool
}

func NewDispatcher(store repository.DeviceStore, gateway push.Gateway, pool Submitter, cfg Config, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 24 * time.Hour
	}
	if cfg.StatusTTL <= 0 || cfg.StatusTTL > cfg.MessageTTL {
		cfg.StatusTTL = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		pool:    pool,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		pending: make(map[*job]timer),
	}
}

// Notify queues a push for a new message. It never blocks the caller.
func (d *Dispatcher) Notify(recipientID string, m *domain.Message, locale string) {
	d.enqueue(d.newJob(ClassMessage, recipientID, m, locale, d.cfg.MessageTTL))
}

// NotifyStatus queues a low-priority status push: short TTL, one attempt.
func (d *Dispatcher) NotifyStatus(recipientID string, m *domain.Message, locale string) {
	d.enqueue(d.newJob(ClassStatus, recipientID, m, locale, d.cfg.StatusTTL))
}

func (d *Dispatcher) newJob(class Class, recipientID string, m *domain.Message, locale string, ttl time.Duration) *job {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInterval
	b.MaxInterval = 10 * d.cfg.RetryInterval
	return &job{
		class:       class,
		recipientID: recipientID,
		msg:         m,
		locale:      locale,
		expiresAt:   d.now().Add(ttl),
		backoff:     b,
	}
}

func (d *Dispatcher) enqueue(j *job) {
	err := d.pool.Submit(j.recipientID, func(ctx context.Context) {
		d.process(ctx, j)
	})
	if err != nil {
		log.Printf("[NOTIFY] Dropped %s notification for %s: %v", j.class, j.recipientID, err)
	}
}

func (d *Dispatcher) process(ctx context.Context, j *job) {
	now := d.now()
	if now.After(j.expiresAt) {
		log.Printf("[NOTIFY] %s notification for %s expired before delivery", j.class, j.recipientID)
		return
	}

	registrations, err := d.store.ListDeviceTokens(ctx, j.recipientID)
	if err != nil {
		d.retry(j, fmt.Errorf("failed to list device tokens: %w", err))
		return
	}

	var (
		tokens  []string
		locale  string
		expired int
	)
	for _, reg := range registrations {
		if reg.Expired(now, d.cfg.TokenExpiry) {
			if err := d.store.RemoveDeviceToken(ctx, reg.UserID, reg.Token); err != nil {
				log.Printf("[NOTIFY] Failed to remove expired token %s: %v", domain.ShortToken(reg.Token), err)
				continue
			}
			expired++
			continue
		}
		if j.tokens != nil && !j.tokens[reg.Token] {
			continue
		}
		tokens = append(tokens, reg.Token)
		if reg.Locale != "" {
			locale = reg.Locale // newest registration wins
		}
	}
	d.metrics.TokensPruned(ctx, "expired", expired)
	if len(tokens) == 0 {
		return
	}

	if j.locale != "" {
		locale = j.locale
	}
	lang := ResolveLocale(locale, d.cfg.DefaultLocale)
	var payload push.Payload
	if j.class == ClassStatus {
		payload = composeStatus(j.msg, lang)
	} else {
		payload = composeMessage(j.msg, lang)
	}
	payload.TTL = j.expiresAt.Sub(now)

	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	results, err := d.gateway.SendBatch(pushCtx, tokens, payload)
	cancel()
	if err != nil {
		if errors.Is(err, push.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			d.retry(j, err)
			return
		}
		log.Printf("[NOTIFY] Gateway rejected %s notification for %s: %v", j.class, j.recipientID, err)
		d.metrics.NotificationResults(ctx, string(j.class), 0, 0, len(tokens))
		return
	}

	ok, invalid, failed := push.Summarize(results)
	d.metrics.NotificationResults(ctx, string(j.class), ok, invalid, failed)

	removed := 0
	var retryTokens map[string]bool
	for _, r := range results {
		switch r.Status {
		case push.ResultInvalid:
			if err := d.store.RemoveDeviceToken(ctx, j.recipientID, r.Token); err != nil {
				log.Printf("[NOTIFY] Failed to remove invalid token %s: %v", domain.ShortToken(r.Token), err)
				continue
			}
			removed++
		case push.ResultFailed:
			if retryTokens == nil {
				retryTokens = make(map[string]bool)
			}
			retryTokens[r.Token] = true
		}
	}
	d.metrics.TokensPruned(ctx, "invalid", removed)
	if removed > 0 {
		log.Printf("[NOTIFY] Removed %d invalid token(s) for %s", removed, j.recipientID)
	}
	if retryTokens != nil {
		j.tokens = retryTokens
		d.retry(j, fmt.Errorf("%d device(s) failed", len(retryTokens)))
	}
}

// retry re-enqueues j after a backoff delay, unless its attempts or TTL are
// used up. Status notifications are never retried.
func (d *Dispatcher) retry(j *job, cause error) {
	j.attempt++
	if j.class == ClassStatus || j.attempt >= d.cfg.MaxAttempts {
		log.Printf("[NOTIFY] Giving up on %s notification for %s after %d attempt(s): %v", j.class, j.recipientID, j.attempt, cause)
		return
	}
	delay := j.backoff.NextBackOff()
	if delay == backoff.Stop || d.now().Add(delay).After(j.expiresAt) {
		log.Printf("[NOTIFY] Giving up on %s notification for %s, no time left: %v", j.class, j.recipientID, cause)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	log.Printf("[NOTIFY] Retrying %s notification for %s in %s (attempt %d): %v", j.class, j.recipientID, delay.Round(time.Millisecond), j.attempt+1, cause)
	d.pending[j] = d.after(delay, func() {
		d.mu.Lock()
		delete(d.pending, j)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.enqueue(j)
		}
	})
}

// Close cancels scheduled retries. Jobs already queued are left to the pool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for j, t := range d.pending {
		t.Stop()
		delete(d.pending, j)
	}
}

// RegisterDevice stores a push token for userID, evicting the oldest beyond the
// per-user cap.
func (d *Dispatcher) RegisterDevice(ctx context.Context, userID, token string, platform domain.Platform, locale string) (*domain.DeviceToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.NewValidationError("token", "token is required")
	}
	switch platform {
	case domain.PlatformAndroid, domain.PlatformIOS, domain.PlatformWeb:
	case "":
		platform = domain.PlatformUnknown
	default:
		return nil, domain.NewValidationError("platform", "unknown platform")
	}

	now := d.now().UTC()
	reg := domain.DeviceToken{
		UserID:          userID,
		Token:           token,
		Platform:        platform,
		Locale:          locale,
		RegisteredAt:    now,
		LastValidatedAt: now,
	}
	evicted, err := d.store.RegisterDeviceToken(ctx, reg, d.cfg.TokenCap)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		log.Printf("[NOTIFY] Evicted %d old token(s) for %s over cap %d", len(evicted), userID, d.cfg.TokenCap)
		d.metrics.TokensPruned(ctx, "cap", len(evicted))
	}
	return &reg, nil
}

func (d *Dispatcher) UnregisterDevice(ctx context.Context, userID, token string) error {
	return d.store.RemoveDeviceToken(ctx, userID, token)
}
