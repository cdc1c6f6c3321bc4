// Package auth implements the login flow: lockout gate, credential verification,
// counter bookkeeping, session creation and audit.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/portal-auth/credentials"
	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/session"
	"github.com/giantswarm/portal-auth/storage"
)

var (
	// ErrInvalidCredentials is the only failure a caller sees for a bad login.
	// It never reveals whether the username exists or which tier rejected it.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRateLimited is wrapped by RateLimitedError
	ErrRateLimited = errors.New("too many failed login attempts")
)

// RateLimitedError is returned while a source is locked out
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// Verifier checks credentials. *credentials.Chain implements it.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (*credentials.Match, error)
	RecordLogin(ctx context.Context, m *credentials.Match, at time.Time) error
}

// LoginRequest is one login attempt
type LoginRequest struct {
	// SourceID identifies the origin for lockout accounting, normally the client IP
	SourceID string

	// ClientIP is bound into the session. Defaults to SourceID.
	ClientIP string

	Username string
	Password string
}

// Result is a successful login
type Result struct {
	// Session carries the new session token in its Token field
	Session *storage.Session
	Tier    credentials.Tier
}

// Authenticator runs logins
type Authenticator struct {
	verifier Verifier
	limiter  *security.LoginLimiter
	sessions *session.Manager
	auditor  *security.Auditor
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// New creates an authenticator. auditor may be nil.
func New(verifier Verifier, limiter *security.LoginLimiter, sessions *session.Manager, auditor *security.Auditor, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		verifier: verifier,
		limiter:  limiter,
		sessions: sessions,
		auditor:  auditor,
		logger:   logger,
		now:      time.Now,
	}
}

// SetInstrumentation enables login metrics
func (a *Authenticator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// SetClock replaces the time source used for last-login stamps. Intended for tests.
func (a *Authenticator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Login authenticates req.
//
// A locked-out source is refused with *RateLimitedError before any credential is
// looked at, and the refused attempt is not counted. Bad credentials count one
// failure and return ErrInvalidCredentials. Any other error is an internal fault.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = req.SourceID
	}

	status, err := a.limiter.IsLocked(ctx, req.SourceID)
	if err != nil {
		a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultError)
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}
	if status.Locked {
		a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultLockedOut)
		a.auditor.LogLoginFailure(ctx, req.Username, clientIP, "locked_out")
		return nil, &RateLimitedError{RetryAfter: status.RetryAfter}
	}

	match, err := a.verifier.Verify(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, credentials.ErrRejected) {
			a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultError)
			return nil, fmt.Errorf("failed to verify credentials: %w", err)
		}
		return nil, a.rejected(ctx, req, clientIP)
	}

	if err := a.limiter.Reset(ctx, req.SourceID); err != nil {
		a.logger.WarnContext(ctx, "Failed to reset login attempts", "error", err)
	}

	s, err := a.sessions.Create(ctx, session.Descriptor{
		UserID:       match.Account.ID,
		Username:     match.Account.Username,
		DisplayName:  match.Account.DisplayName,
		TenantID:     match.Account.TenantID,
		Capabilities: match.Account.Capabilities,
	}, clientIP)
	if err != nil {
		a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultError)
		return nil, err
	}

	if err := a.verifier.RecordLogin(ctx, match, a.now()); err != nil {
		a.logger.WarnContext(ctx, "Failed to record last login",
			"session_id", s.ID,
			"error", err)
	}

	a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultSuccess)
	a.auditor.LogLoginSuccess(ctx, s, clientIP, match.Tier.String())
	return &Result{Session: s, Tier: match.Tier}, nil
}

func (a *Authenticator) rejected(ctx context.Context, req LoginRequest, clientIP string) error {
	status, err := a.limiter.RecordFailure(ctx, req.SourceID)
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to record failed login", "error", err)
	} else if status.Locked {
		a.auditor.LogRateLimitExceeded(ctx, clientIP, "login_lockout")
	}

	a.metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultInvalidCredentials)
	a.auditor.LogLoginFailure(ctx, req.Username, clientIP, "invalid_credentials")
	return ErrInvalidCredentials
}

// Logout destroys the session behind token
func (a *Authenticator) Logout(ctx context.Context, token, clientIP string) error {
	return a.sessions.Destroy(ctx, token, clientIP)
}
