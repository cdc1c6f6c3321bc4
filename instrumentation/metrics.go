package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Login results used as metric attributes
const (
	LoginResultSuccess            = "success"
	LoginResultInvalidCredentials = "invalid_credentials"
	LoginResultLockedOut          = "locked_out"
	LoginResultThrottled          = "throttled"
	LoginResultError              = "error"
)

// Metrics holds all metric instruments for portal-auth.
// All Record* methods are nil-safe so components can run without instrumentation.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authentication Metrics
	LoginAttempts     metric.Int64Counter
	LockoutsTriggered metric.Int64Counter

	// Session Metrics
	SessionsCreated      metric.Int64Counter
	SessionVerifications metric.Int64Counter
	SessionsDestroyed    metric.Int64Counter
	HijackDetected       metric.Int64Counter

	// File token Metrics
	FileTokensIssued   metric.Int64Counter
	FileTokensConsumed metric.Int64Counter

	// Authorization and record Metrics
	AuthorizationDenied metric.Int64Counter
	DecryptFailures     metric.Int64Counter

	// Security Metrics
	RequestsThrottled metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal       metric.Int64Counter
	StorageOperationDuration    metric.Float64Histogram
	StorageSessionsCount        metric.Int64ObservableGauge
	StorageFileTokensCount      metric.Int64ObservableGauge
	StorageAttemptCountersCount metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	authMeter := inst.Meter("auth")
	sessionMeter := inst.Meter("session")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "portal.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.LoginAttempts, authMeter, "portal.login.attempts", "Login attempts by result", "{attempt}"},
		{&m.LockoutsTriggered, authMeter, "portal.login.lockouts", "Number of sources locked out after repeated failures", "{lockout}"},
		{&m.SessionsCreated, sessionMeter, "portal.session.created", "Number of sessions created", "{session}"},
		{&m.SessionVerifications, sessionMeter, "portal.session.verifications", "Session verifications by result", "{verification}"},
		{&m.SessionsDestroyed, sessionMeter, "portal.session.destroyed", "Sessions destroyed by reason", "{session}"},
		{&m.HijackDetected, sessionMeter, "portal.session.hijack_detected", "Sessions dropped because of an IP binding mismatch", "{session}"},
		{&m.FileTokensIssued, securityMeter, "portal.file_token.issued", "Number of file-access tokens issued", "{token}"},
		{&m.FileTokensConsumed, securityMeter, "portal.file_token.consumed", "File-access token redemptions by result", "{token}"},
		{&m.AuthorizationDenied, securityMeter, "portal.authorization.denied", "Authorization denials by reason", "{denial}"},
		{&m.DecryptFailures, securityMeter, "portal.record.decrypt_failures", "Record decryption failures by path", "{record}"},
		{&m.RequestsThrottled, securityMeter, "portal.request.throttled", "Requests rejected by the request throttle", "{request}"},
		{&m.AuditEventsTotal, securityMeter, "portal.audit.events", "Audit events emitted by type", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "portal.storage.operations.total", "Total number of storage operations", "{operation}"},
	}

	for _, spec := range counters {
		c, err := spec.meter.Int64Counter(spec.name,
			metric.WithDescription(spec.description),
			metric.WithUnit(spec.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", spec.name, err)
		}
		*spec.target = c
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"portal.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"portal.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSessionsCount, err = storageMeter.Int64ObservableGauge(
		"portal.storage.sessions.count",
		metric.WithDescription("Number of live sessions in storage"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StorageFileTokensCount, err = storageMeter.Int64ObservableGauge(
		"portal.storage.file_tokens.count",
		metric.WithDescription("Number of unconsumed file tokens in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.file_tokens.count gauge: %w", err)
	}

	m.StorageAttemptCountersCount, err = storageMeter.Int64ObservableGauge(
		"portal.storage.attempt_counters.count",
		metric.WithDescription("Number of live failed-login counters"),
		metric.WithUnit("{counter}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.attempt_counters.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordLoginAttempt records a login attempt outcome
func (m *Metrics) RecordLoginAttempt(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.LoginAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordLockout records a source crossing the failure threshold
func (m *Metrics) RecordLockout(ctx context.Context) {
	if m == nil {
		return
	}
	m.LockoutsTriggered.Add(ctx, 1)
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionVerification records a verify outcome ("valid", "missing", "ip_mismatch", "error")
func (m *Metrics) RecordSessionVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.SessionVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSessionDestroyed records a session removal ("logout", "ip_mismatch")
func (m *Metrics) RecordSessionDestroyed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	if reason == "ip_mismatch" {
		m.HijackDetected.Add(ctx, 1)
	}
}

// RecordFileTokenIssued records a minted file token
func (m *Metrics) RecordFileTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.FileTokensIssued.Add(ctx, 1)
}

// RecordFileTokenConsumed records a redemption attempt
func (m *Metrics) RecordFileTokenConsumed(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.FileTokensConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAuthorizationDenied records a denied capability or tenant check
func (m *Metrics) RecordAuthorizationDenied(ctx context.Context, reason, capability string) {
	if m == nil {
		return
	}
	m.AuthorizationDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("capability", capability),
	))
}

// RecordDecryptFailure records a record that could not be decrypted ("list" or "single")
func (m *Metrics) RecordDecryptFailure(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.DecryptFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordRequestThrottled records a request rejected by the throttle
func (m *Metrics) RecordRequestThrottled(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RequestsThrottled.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
