package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/storage"
)

// Event represents a security audit event
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	UserID    *int64         `json:"user_id,omitempty"`
	TenantID  *int64         `json:"tenant_id,omitempty"`
	RecordID  *int64         `json:"record_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink receives audit events for durable storage or forwarding.
// Implementations must be safe for concurrent use.
type AuditSink interface {
	Publish(ctx context.Context, event Event) error
}

// Auditor handles security event logging with PII protection.
// Every event is written to the structured log with hashed identities and then handed
// to each registered sink. Sink failures are logged and never reach the caller.
// logEvents only controls the log line; sinks and metrics always receive events.
type Auditor struct {
	logger    *slog.Logger
	logEvents bool

	mu      sync.RWMutex
	sinks   []AuditSink
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor. logEvents controls whether events are
// also written to logger.
func NewAuditor(logger *slog.Logger, logEvents bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:    logger,
		logEvents: logEvents,
	}
}

// AddSink registers an additional event destination
func (a *Auditor) AddSink(sink AuditSink) {
	if sink == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// SetInstrumentation enables the audit event counter
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// LogEvent records a security event. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if a.logEvents {
		a.logger.InfoContext(ctx, "security_audit",
			"event_id", event.ID,
			"event_type", event.Type,
			"actor_hash", hashForLogging(event.Actor),
			"user_id", int64Attr(event.UserID),
			"tenant_id", int64Attr(event.TenantID),
			"record_id", int64Attr(event.RecordID),
			"ip_address", event.IPAddress,
			"metadata", event.Metadata,
			"request_id", GetRequestID(ctx),
		)
	}

	a.mu.RLock()
	sinks := a.sinks
	metrics := a.metrics
	a.mu.RUnlock()

	metrics.RecordAuditEvent(ctx, event.Type)

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			a.logger.WarnContext(ctx, "Failed to publish audit event",
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err)
		}
	}
}

// SessionEvent builds an event attributed to the owner of session
func SessionEvent(eventType string, session *storage.Session, ipAddress string) Event {
	event := Event{Type: eventType, IPAddress: ipAddress}
	if session != nil {
		event.Actor = session.Username
		event.UserID = session.UserID
		event.TenantID = session.TenantID
	}
	return event
}

// LogLoginSuccess logs a login that produced a session
func (a *Auditor) LogLoginSuccess(ctx context.Context, session *storage.Session, ipAddress, tier string) {
	event := SessionEvent(EventLoginSuccess, session, ipAddress)
	event.Metadata = map[string]any{"credential_tier": tier}
	a.LogEvent(ctx, event)
}

// LogLoginFailure logs a rejected login. reason is coarse ("invalid_credentials" or
// "locked_out") and never reveals whether the username exists.
func (a *Auditor) LogLoginFailure(ctx context.Context, username, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventLoginFailure,
		Actor:     username,
		IPAddress: ipAddress,
		Metadata:  map[string]any{"reason": reason},
	})
}

// LogLogout logs a user-initiated session end
func (a *Auditor) LogLogout(ctx context.Context, session *storage.Session, ipAddress string) {
	a.LogEvent(ctx, SessionEvent(EventLogout, session, ipAddress))
}

// LogSessionIPMismatch logs a presented session whose bound address differs from the request
func (a *Auditor) LogSessionIPMismatch(ctx context.Context, session *storage.Session, currentIP string) {
	event := SessionEvent(EventSessionIPMismatch, session, currentIP)
	event.Metadata = map[string]any{
		"stored_ip":  session.BoundIP,
		"current_ip": currentIP,
		"session_id": session.ID,
	}
	a.LogEvent(ctx, event)
}

// LogRecordAccess logs a record-level action (viewed, updated, deleted, downloaded, exported)
func (a *Auditor) LogRecordAccess(ctx context.Context, eventType string, session *storage.Session, ipAddress string, recordID, recordTenantID int64, metadata map[string]any) {
	event := SessionEvent(eventType, session, ipAddress)
	event.RecordID = &recordID
	event.TenantID = &recordTenantID
	event.Metadata = metadata
	a.LogEvent(ctx, event)
}

// LogPermissionDenied logs a failed capability or tenant check
func (a *Auditor) LogPermissionDenied(ctx context.Context, session *storage.Session, ipAddress string, capability storage.Capability, requestedTenant *int64, reason string) {
	event := SessionEvent(EventPermissionDenied, session, ipAddress)
	event.Metadata = map[string]any{
		"capability": string(capability),
		"reason":     reason,
	}
	if requestedTenant != nil {
		event.Metadata["requested_tenant_id"] = *requestedTenant
	}
	a.LogEvent(ctx, event)
}

// LogSecurityError logs a request-level violation such as a bad anti-forgery token
func (a *Auditor) LogSecurityError(ctx context.Context, session *storage.Session, ipAddress, reason string) {
	event := SessionEvent(EventSecurityError, session, ipAddress)
	event.Metadata = map[string]any{"reason": reason}
	a.LogEvent(ctx, event)
}

// LogRateLimitExceeded logs a throttled or locked-out source
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, limiter string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Metadata:  map[string]any{"limiter": limiter},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

func int64Attr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
