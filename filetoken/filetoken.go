// Package filetoken mints and redeems single-use, session-bound tokens for
// protected downloads and exports.
//
// A file token is not an authorization check. Issue must only be called for a
// session that has already been verified and authorized, and after Consume the
// caller must verify the returned session token again: a file token never outlives
// its session.
package filetoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/internal/util"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

// DefaultTTL is the fixed lifetime of a file token
const DefaultTTL = 5 * time.Minute

// ErrTokenExpiredOrConsumed is returned for unknown, expired and already used tokens alike
var ErrTokenExpiredOrConsumed = errors.New("file token expired or already used")

// Issuer mints and consumes file tokens
type Issuer struct {
	store   storage.FileTokenStore
	ttl     time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl selects DefaultTTL.
func NewIssuer(store storage.FileTokenStore, ttl time.Duration, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetInstrumentation enables file token metrics
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		i.metrics = inst.Metrics()
	}
}

// SetClock replaces the time source used for CreatedAt/ExpiresAt. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// TTL returns the fixed token lifetime
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token bound to sessionToken
func (i *Issuer) Issue(ctx context.Context, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", fmt.Errorf("%w: session token is required", storage.ErrInvalidInput)
	}

	now := i.now()
	token := security.GenerateToken(security.FileTokenBytes)
	err := i.store.SaveFileToken(ctx, token, &storage.FileToken{
		SessionToken: sessionToken,
		CreatedAt:    now,
		ExpiresAt:    now.Add(i.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save file token: %w", err)
	}

	i.metrics.RecordFileTokenIssued(ctx)
	i.logger.DebugContext(ctx, "Issued file token",
		"token_prefix", util.TokenPrefix(token),
		"expires_at", now.Add(i.ttl))
	return token, nil
}

// Consume redeems token exactly once and returns the session token it was bound to.
// Concurrent callers with the same token: at most one succeeds.
func (i *Issuer) Consume(ctx context.Context, token string) (string, error) {
	if token == "" {
		i.metrics.RecordFileTokenConsumed(ctx, "missing")
		return "", ErrTokenExpiredOrConsumed
	}

	ft, err := i.store.ConsumeFileToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrFileTokenNotFound):
		i.metrics.RecordFileTokenConsumed(ctx, "not_found")
		return "", ErrTokenExpiredOrConsumed
	case errors.Is(err, storage.ErrTokenExpired):
		i.metrics.RecordFileTokenConsumed(ctx, "expired")
		return "", ErrTokenExpiredOrConsumed
	default:
		i.metrics.RecordFileTokenConsumed(ctx, "error")
		return "", fmt.Errorf("failed to consume file token: %w", err)
	}

	// stores enforce expiry too; this guards against clock skew between them and us
	if security.IsExpiredAt(ft.ExpiresAt, i.now()) {
		i.metrics.RecordFileTokenConsumed(ctx, "expired")
		return "", ErrTokenExpiredOrConsumed
	}

	i.metrics.RecordFileTokenConsumed(ctx, "ok")
	return ft.SessionToken, nil
}
