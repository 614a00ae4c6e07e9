// Package identity validates bearer credentials presented on connect and on
// HTTP requests.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/pkg/auth"
)

const blockedSessionKeyPrefix = "blocked_session:"
const blockedUserKeyPrefix = "blocked_user:"

// defaultRevocationTTL applies to tokens that carry no expiry.
const defaultRevocationTTL = 24 * time.Hour

type CacheRepository interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Provider checks the JWT signature locally and consults the revocation list in
// the cache. The cache is optional.
type Provider struct {
	signer  *auth.Signer
	cache   CacheRepository
	timeout time.Duration
}

func NewProvider(signer *auth.Signer, cache CacheRepository, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Provider{signer: signer, cache: cache, timeout: timeout}
}

// Validate returns the user id bound to credential. Every failure is an
// *domain.AuthError, including timeouts.
func (p *Provider) Validate(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", &domain.AuthError{Reason: "missing credential"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	claims, err := p.signer.ValidateAccessToken(credential)
	if err != nil {
		return "", &domain.AuthError{Reason: "invalid credential", Err: err}
	}

	blocked, err := p.isBlocked(ctx, claims)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", &domain.AuthError{Reason: "identity provider timeout", Err: err}
		}
		// revocation list unavailable: fall back to signature only
		log.Printf("[IDENTITY] Warning: revocation check failed for user %s: %v", claims.UserID, err)
	}
	if blocked {
		return "", &domain.AuthError{Reason: "session revoked"}
	}
	return claims.UserID, nil
}

func (p *Provider) isBlocked(ctx context.Context, claims *auth.Claims) (bool, error) {
	if p.cache == nil {
		return false, nil
	}
	keys := []string{blockedUserKeyPrefix + claims.UserID}
	if claims.SessionID != "" {
		keys = append(keys, blockedSessionKeyPrefix+claims.SessionID)
	}
	for _, key := range keys {
		val, err := p.cache.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if val != "" {
			return true, nil
		}
	}
	return false, nil
}

// Revoke blocks the session behind credential until the token expires. A token
// without a session id blocks every token of its user for that long.
func (p *Provider) Revoke(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	claims, err := p.signer.ValidateAccessToken(credential)
	if err != nil {
		return &domain.AuthError{Reason: "invalid credential", Err: err}
	}
	if p.cache == nil {
		return domain.ErrRevocationUnavailable
	}

	ttl := defaultRevocationTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if claims.SessionID != "" {
		err = p.blocklistSession(ctx, claims.SessionID, ttl)
	} else {
		err = p.blocklistUser(ctx, claims.UserID, ttl)
	}
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	log.Printf("[IDENTITY] Revoked credential of user %s (session %q) for %s", claims.UserID, claims.SessionID, ttl.Round(time.Second))
	return nil
}

func (p *Provider) blocklistSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	return p.cache.Set(ctx, blockedSessionKeyPrefix+sessionID, "1", ttl)
}

func (p *Provider) blocklistUser(ctx context.Context, userID string, ttl time.Duration) error {
	return p.cache.Set(ctx, blockedUserKeyPrefix+userID, "1", ttl)
}
