package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/storage"
)

const (
	// DefaultMaxFailures is the number of failed logins that locks a source out
	DefaultMaxFailures = 5

	// DefaultLockoutWindow is the rolling window failures are counted in
	DefaultLockoutWindow = 15 * time.Minute
)

// LockoutConfig configures the LoginLimiter
type LockoutConfig struct {
	// MaxFailures is the failure count at which a source is locked (default 5)
	MaxFailures int

	// Window is how long a counter lives after the most recent failure (default 15m)
	Window time.Duration
}

// LockoutStatus describes the lockout state of one source
type LockoutStatus struct {
	// Attempts is the number of failures in the current window
	Attempts int

	// Locked is true once Attempts reached the threshold
	Locked bool

	// RetryAfter is how long until the window expires. Zero when not locked.
	RetryAfter time.Duration
}

// LoginLimiter tracks failed logins per source and locks out sources that cross the
// threshold. Sources are hashed before they reach the store so raw addresses are
// never retained.
//
// The window rolls: every failure pushes the counter's expiry to now+Window. Once
// locked, a source stays locked until the window passes with no further failures
// being recorded. Callers must not record failures for attempts refused because of
// a lockout.
type LoginLimiter struct {
	store       storage.AttemptStore
	maxFailures int
	window      time.Duration
	logger      *slog.Logger
	metrics     *instrumentation.Metrics
	now         func() time.Time
}

// NewLoginLimiter creates a limiter backed by store
func NewLoginLimiter(store storage.AttemptStore, cfg LockoutConfig, logger *slog.Logger) *LoginLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLockoutWindow
	}
	return &LoginLimiter{
		store:       store,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window,
		logger:      logger,
		now:         time.Now,
	}
}

// SetInstrumentation enables lockout metrics
func (l *LoginLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		l.metrics = inst.Metrics()
	}
}

// SetClock replaces the time source used to compute RetryAfter. Intended for tests.
func (l *LoginLimiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// SourceKey hashes a source identity into the key stored in the AttemptStore
func SourceKey(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return hex.EncodeToString(sum[:])
}

// IsLocked reports the lockout state of a source without changing it
func (l *LoginLimiter) IsLocked(ctx context.Context, sourceID string) (LockoutStatus, error) {
	counter, err := l.store.GetAttempts(ctx, SourceKey(sourceID))
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("failed to read attempt counter: %w", err)
	}
	return l.status(counter), nil
}

// RecordFailure atomically counts a failure and reports the resulting state.
// The returned status is derived from the post-increment count, so concurrent
// failures cannot both observe a sub-threshold count.
func (l *LoginLimiter) RecordFailure(ctx context.Context, sourceID string) (LockoutStatus, error) {
	counter, err := l.store.IncrementAttempts(ctx, SourceKey(sourceID), l.window)
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	status := l.status(counter)
	if counter.Count == l.maxFailures {
		l.metrics.RecordLockout(ctx)
		l.logger.WarnContext(ctx, "Login source locked out",
			"source_hash", hashForLogging(sourceID),
			"attempts", counter.Count,
			"retry_after", status.RetryAfter)
	}
	return status, nil
}

// Reset clears the failure counter of a source after a successful login
func (l *LoginLimiter) Reset(ctx context.Context, sourceID string) error {
	if err := l.store.ResetAttempts(ctx, SourceKey(sourceID)); err != nil {
		return fmt.Errorf("failed to reset attempt counter: %w", err)
	}
	return nil
}

// MaxFailures returns the configured lockout threshold
func (l *LoginLimiter) MaxFailures() int {
	return l.maxFailures
}

func (l *LoginLimiter) status(counter *storage.AttemptCounter) LockoutStatus {
	status := LockoutStatus{Attempts: counter.Count}
	if counter.Count >= l.maxFailures {
		status.Locked = true
		status.RetryAfter = Remaining(counter.ExpiresAt, l.now())
		if status.RetryAfter == 0 {
			// counter expired between read and check
			status.Locked = false
		}
	}
	return status
}
