package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

const (
	// MinimumTimeout is the floor applied to configured session timeouts
	MinimumTimeout = 5 * time.Minute

	// DefaultTimeout is used when no timeout is configured
	DefaultTimeout = 60 * time.Minute
)

// Verification results used for metrics
const (
	resultValid      = "valid"
	resultMissing    = "missing"
	resultIPMismatch = "ip_mismatch"
	resultError      = "error"
)

// ErrNotAuthenticated is returned when a token does not name a live session.
// Missing, expired, revoked and hijacked sessions are deliberately indistinguishable.
var ErrNotAuthenticated = errors.New("not authenticated")

// Config configures a Manager
type Config struct {
	// Timeout is the sliding session lifetime. Values below MinimumTimeout are raised to it.
	Timeout time.Duration

	// DisableIPBinding turns off the bound-address check on verify.
	// Binding is best effort: clients behind a shared NAT share an address.
	DisableIPBinding bool
}

// Descriptor is the identity an authenticated login hands to Create
type Descriptor struct {
	UserID       *int64
	Username     string
	DisplayName  string
	TenantID     *int64
	Capabilities storage.Capabilities
}

// Manager creates, verifies and destroys sessions
type Manager struct {
	store     storage.SessionStore
	auditor   *security.Auditor
	timeout   time.Duration
	ipBinding bool
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewManager creates a session manager. auditor may be nil.
func NewManager(store storage.SessionStore, auditor *security.Auditor, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	switch {
	case timeout <= 0:
		timeout = DefaultTimeout
	case timeout < MinimumTimeout:
		logger.Warn("Session timeout below minimum, clamping",
			"configured", cfg.Timeout,
			"minimum", MinimumTimeout)
		timeout = MinimumTimeout
	}

	return &Manager{
		store:     store,
		auditor:   auditor,
		timeout:   timeout,
		ipBinding: !cfg.DisableIPBinding,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("session"),
		now:       time.Now,
	}
}

// SetInstrumentation enables session metrics and tracing
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	m.metrics = inst.Metrics()
	m.tracer = inst.Tracer("session")
}

// SetClock replaces the time source used for LoginAt. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Timeout returns the effective, clamped session timeout
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// IPBinding reports whether verify enforces the bound address
func (m *Manager) IPBinding() bool {
	return m.ipBinding
}

// Create stores a new session for d bound to clientIP. The returned session carries
// the opaque token in its Token field; it is the only copy the caller gets.
func (m *Manager) Create(ctx context.Context, d Descriptor, clientIP string) (*storage.Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.create")
	defer span.End()

	if d.Username == "" {
		err := fmt.Errorf("%w: username is required", storage.ErrInvalidInput)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	boundIP := security.NormalizeIP(clientIP)
	if boundIP == "" {
		boundIP = clientIP
	}

	now := m.now()
	token := security.GenerateToken(security.SessionTokenBytes)
	s := &storage.Session{
		ID:               uuid.NewString(),
		UserID:           d.UserID,
		Username:         d.Username,
		DisplayName:      d.DisplayName,
		TenantID:         d.TenantID,
		Capabilities:     d.Capabilities,
		AntiForgeryToken: security.GenerateAntiForgeryToken(),
		LoginAt:          now,
		BoundIP:          boundIP,
	}

	if err := m.store.SaveSession(ctx, token, s, m.timeout); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.Token = token
	s.ExpiresAt = now.Add(m.timeout)

	instrumentation.AddSessionAttributes(span, s.ID, s.TenantID)
	instrumentation.SetSpanSuccess(span)
	m.metrics.RecordSessionCreated(ctx)

	m.logger.InfoContext(ctx, "Session created",
		"session_id", s.ID,
		"expires_at", s.ExpiresAt)
	return s, nil
}

// Verify returns the live session for token and slides its expiry.
//
// With IP binding on, a session presented from a different address is audited,
// destroyed and reported as ErrNotAuthenticated. The audit event is emitted before
// the record is dropped.
func (m *Manager) Verify(ctx context.Context, token, clientIP string) (*storage.Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.verify")
	defer span.End()

	if token == "" {
		m.metrics.RecordSessionVerification(ctx, resultMissing)
		return nil, ErrNotAuthenticated
	}

	s, err := m.store.GetSession(ctx, token)
	if err != nil {
		return nil, m.verifyFailed(ctx, span, err)
	}
	instrumentation.AddSessionAttributes(span, s.ID, s.TenantID)

	if m.ipBinding && !security.SameIP(s.BoundIP, clientIP) {
		m.auditor.LogSessionIPMismatch(ctx, s, clientIP)
		if err := m.store.DeleteSession(ctx, token); err != nil {
			m.logger.ErrorContext(ctx, "Failed to delete session after IP mismatch",
				"session_id", s.ID,
				"error", err)
		}
		m.logger.WarnContext(ctx, "Session destroyed after IP mismatch", "session_id", s.ID)
		m.metrics.RecordSessionVerification(ctx, resultIPMismatch)
		m.metrics.RecordSessionDestroyed(ctx, resultIPMismatch)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResult, resultIPMismatch))
		return nil, ErrNotAuthenticated
	}

	refreshed, err := m.store.TouchSession(ctx, token, m.timeout)
	if err != nil {
		return nil, m.verifyFailed(ctx, span, err)
	}
	refreshed.Token = token

	m.metrics.RecordSessionVerification(ctx, resultValid)
	instrumentation.SetSpanSuccess(span)
	return refreshed, nil
}

func (m *Manager) verifyFailed(ctx context.Context, span trace.Span, err error) error {
	if errors.Is(err, storage.ErrSessionNotFound) {
		m.metrics.RecordSessionVerification(ctx, resultMissing)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResult, resultMissing))
		return ErrNotAuthenticated
	}
	m.metrics.RecordSessionVerification(ctx, resultError)
	instrumentation.RecordError(span, err)
	return fmt.Errorf("failed to verify session: %w", err)
}

// Destroy removes the session for token. Destroying an unknown token is not an
// error. A logout event is emitted when a live session was removed.
func (m *Manager) Destroy(ctx context.Context, token, clientIP string) error {
	if token == "" {
		return nil
	}

	s, err := m.store.GetSession(ctx, token)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := m.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if s != nil {
		m.auditor.LogLogout(ctx, s, clientIP)
		m.metrics.RecordSessionDestroyed(ctx, "logout")
		m.logger.InfoContext(ctx, "Session destroyed", "session_id", s.ID)
	}
	return nil
}
