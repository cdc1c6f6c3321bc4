// Package portal wires sessions, logins, file-access tokens, authorization and
// encrypted record access into one Server, and exposes it over HTTP with Handler.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/portal-auth/auth"
	"github.com/giantswarm/portal-auth/authz"
	"github.com/giantswarm/portal-auth/filetoken"
	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/records"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/session"
	"github.com/giantswarm/portal-auth/storage"
)

// Store is the state backend a Server runs on. storage/memory and storage/valkey
// implement it.
type Store interface {
	storage.SessionStore
	storage.FileTokenStore
	storage.AttemptStore
}

// Server is the portal facade. Handler serves it over HTTP; other transports can call
// its methods directly.
type Server struct {
	Config          *Config
	Sessions        *session.Manager
	Authenticator   *auth.Authenticator
	Limiter         *security.LoginLimiter
	Throttle        *security.RequestThrottle
	FileTokens      *filetoken.Issuer
	Guard           *authz.Guard
	Records         *records.Service
	Exporters       records.Exporters
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	Logger *slog.Logger
	tracer trace.Tracer
}

// ExportResult is a rendered record export
type ExportResult struct {
	Data        []byte
	ContentType string
	Filename    string
}

// NewServer creates a new portal server
func NewServer(store Store, verifier auth.Verifier, recordService *records.Service, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("credential verifier is required")
	}
	if recordService == nil {
		return nil, fmt.Errorf("record service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config != nil && config.Logger != nil {
		logger = config.Logger
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	auditor := security.NewAuditor(logger, !config.DisableAuditLogging)
	limiter := security.NewLoginLimiter(store, security.LockoutConfig{
		MaxFailures: config.RateLimit.MaxFailures,
		Window:      config.RateLimit.Window,
	}, logger)
	sessions := session.NewManager(store, auditor, session.Config{
		Timeout:          config.Session.Timeout,
		DisableIPBinding: config.Session.DisableIPBinding,
	}, logger)

	srv := &Server{
		Config:        config,
		Sessions:      sessions,
		Authenticator: auth.New(verifier, limiter, sessions, auditor, logger),
		Limiter:       limiter,
		Throttle:      security.NewRequestThrottle(config.RateLimit.RequestsPerSecond, config.RateLimit.Burst, logger),
		FileTokens:    filetoken.NewIssuer(store, config.FileToken.TTL, logger),
		Guard:         authz.NewGuard(auditor, logger),
		Records:       recordService,
		Exporters:     records.DefaultExporters(),
		Auditor:       auditor,
		Logger:        logger,
		tracer:        noop.NewTracerProvider().Tracer("portal"),
	}

	logger.Info("Portal server initialized",
		"session_timeout", config.Session.Timeout,
		"ip_binding", !config.Session.DisableIPBinding,
		"max_failures", config.RateLimit.MaxFailures,
		"lockout_window", config.RateLimit.Window,
		"file_token_ttl", config.FileToken.TTL)

	return srv, nil
}

// SetInstrumentation enables metrics and tracing on every component
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("portal")
	s.Auditor.SetInstrumentation(inst)
	s.Limiter.SetInstrumentation(inst)
	s.Sessions.SetInstrumentation(inst)
	s.Authenticator.SetInstrumentation(inst)
	s.FileTokens.SetInstrumentation(inst)
	s.Guard.SetInstrumentation(inst)
	s.Records.SetInstrumentation(inst)
}

// SetClock replaces the time source of every time-dependent component. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.Limiter.SetClock(now)
	s.Sessions.SetClock(now)
	s.Authenticator.SetClock(now)
	s.FileTokens.SetClock(now)
}

// SetExporters replaces the export formats offered by Export
func (s *Server) SetExporters(exporters records.Exporters) {
	if exporters != nil {
		s.Exporters = exporters
	}
}

// AddAuditSink forwards audit events to sink in addition to the structured log
func (s *Server) AddAuditSink(sink security.AuditSink) {
	s.Auditor.AddSink(sink)
}

// Close stops background workers
func (s *Server) Close() {
	s.Throttle.Stop()
}

// Login authenticates a user from clientIP. Lockout accounting is keyed by clientIP.
func (s *Server) Login(ctx context.Context, username, password, clientIP string) (*auth.Result, error) {
	ctx, span := s.tracer.Start(ctx, "portal.Login")
	defer span.End()

	result, err := s.Authenticator.Login(ctx, auth.LoginRequest{
		SourceID: clientIP,
		ClientIP: clientIP,
		Username: username,
		Password: password,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrCredTier, result.Tier.String()))
	instrumentation.AddSessionAttributes(span, result.Session.ID, result.Session.TenantID)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// Logout destroys the session. Unknown tokens are not an error.
func (s *Server) Logout(ctx context.Context, token, clientIP string) error {
	return s.Authenticator.Logout(ctx, token, clientIP)
}

// Authenticate verifies a session token presented from clientIP and slides its expiry
func (s *Server) Authenticate(ctx context.Context, token, clientIP string) (*storage.Session, error) {
	return s.Sessions.Verify(ctx, token, clientIP)
}

// CheckAntiForgery validates the anti-forgery token presented with an action request
func (s *Server) CheckAntiForgery(ctx context.Context, sess *storage.Session, presented, clientIP string) error {
	if sess == nil {
		return session.ErrNotAuthenticated
	}
	if err := security.ValidateAntiForgeryToken(sess.AntiForgeryToken, presented); err != nil {
		reason := "anti_forgery_token_mismatch"
		if presented == "" {
			reason = "anti_forgery_token_missing"
		}
		s.Auditor.LogSecurityError(ctx, sess, clientIP, reason)
		s.Logger.WarnContext(ctx, "Rejected request with invalid anti-forgery token",
			"session_id", sess.ID,
			"reason", reason)
		return err
	}
	return nil
}

// ListRecords returns the decrypted records visible to sess. Records that fail to
// decrypt are left out.
func (s *Server) ListRecords(ctx context.Context, sess *storage.Session, clientIP string) ([]records.Decrypted, error) {
	ctx, span := s.tracer.Start(ctx, "portal.ListRecords")
	defer span.End()

	if err := s.Guard.Authorize(ctx, sess, storage.CapabilityView, nil, clientIP); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddSessionAttributes(span, sess.ID, sess.TenantID)

	list, err := s.Records.List(ctx, sess.TenantID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return list, nil
}

// GetRecord returns one decrypted record
func (s *Server) GetRecord(ctx context.Context, sess *storage.Session, id int64, clientIP string) (*records.Decrypted, error) {
	ctx, span := s.tracer.Start(ctx, "portal.GetRecord", trace.WithAttributes(attribute.Int64(instrumentation.AttrRecordID, id)))
	defer span.End()

	rec, err := s.authorizedRecord(ctx, sess, id, storage.CapabilityView, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	dec, err := s.openRecord(ctx, sess, rec, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogRecordAccess(ctx, security.EventRecordViewed, sess, clientIP, rec.ID, rec.TenantID, nil)
	instrumentation.SetSpanSuccess(span)
	return dec, nil
}

// UpdateRecordStatus changes the workflow status of a record
func (s *Server) UpdateRecordStatus(ctx context.Context, sess *storage.Session, id int64, status, clientIP string) error {
	rec, err := s.authorizedRecord(ctx, sess, id, storage.CapabilityEdit, clientIP)
	if err != nil {
		return err
	}
	if !records.ValidStatus(status) {
		return fmt.Errorf("%w: %q", records.ErrInvalidStatus, status)
	}
	if err := s.Records.UpdateStatus(ctx, rec.ID, status); err != nil {
		return err
	}

	s.Auditor.LogRecordAccess(ctx, security.EventRecordUpdated, sess, clientIP, rec.ID, rec.TenantID, map[string]any{
		"old_status": rec.Status,
		"new_status": status,
	})
	return nil
}

// DeleteRecord removes a record
func (s *Server) DeleteRecord(ctx context.Context, sess *storage.Session, id int64, clientIP string) error {
	rec, err := s.authorizedRecord(ctx, sess, id, storage.CapabilityDelete, clientIP)
	if err != nil {
		return err
	}
	if err := s.Records.Delete(ctx, rec.ID); err != nil {
		return err
	}

	s.Auditor.LogRecordAccess(ctx, security.EventRecordDeleted, sess, clientIP, rec.ID, rec.TenantID, nil)
	return nil
}

// IssueFileToken mints a single-use file token bound to sess
func (s *Server) IssueFileToken(ctx context.Context, sess *storage.Session, clientIP string) (string, error) {
	if err := s.Guard.Authorize(ctx, sess, storage.CapabilityExport, nil, clientIP); err != nil {
		return "", err
	}
	return s.FileTokens.Issue(ctx, sess.Token)
}

// Download redeems fileToken and returns the decrypted record for streaming
func (s *Server) Download(ctx context.Context, fileToken string, recordID int64, clientIP string) (*records.Decrypted, error) {
	ctx, span := s.tracer.Start(ctx, "portal.Download", trace.WithAttributes(attribute.Int64(instrumentation.AttrRecordID, recordID)))
	defer span.End()

	sess, err := s.redeemFileToken(ctx, fileToken, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	rec, err := s.authorizedRecord(ctx, sess, recordID, storage.CapabilityExport, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	dec, err := s.openRecord(ctx, sess, rec, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogRecordAccess(ctx, security.EventFileDownloaded, sess, clientIP, rec.ID, rec.TenantID, nil)
	instrumentation.SetSpanSuccess(span)
	return dec, nil
}

// Export redeems fileToken and renders the record in format. An unknown format is
// rejected before the token is consumed.
func (s *Server) Export(ctx context.Context, fileToken string, recordID int64, format, clientIP string) (*ExportResult, error) {
	ctx, span := s.tracer.Start(ctx, "portal.Export", trace.WithAttributes(
		attribute.Int64(instrumentation.AttrRecordID, recordID),
		attribute.String(instrumentation.AttrExportFmt, format),
	))
	defer span.End()

	exporter, err := s.Exporters.Get(format)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sess, err := s.redeemFileToken(ctx, fileToken, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	rec, err := s.authorizedRecord(ctx, sess, recordID, storage.CapabilityExport, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	dec, err := s.openRecord(ctx, sess, rec, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	data, err := exporter.Export(dec)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to export record %d: %w", rec.ID, err)
	}

	s.Auditor.LogRecordAccess(ctx, security.EventExportPerformed, sess, clientIP, rec.ID, rec.TenantID, map[string]any{
		"format": exporter.Format(),
	})
	instrumentation.SetSpanSuccess(span)
	return &ExportResult{
		Data:        data,
		ContentType: exporter.ContentType(),
		Filename:    fmt.Sprintf("record-%d.%s", rec.ID, exporter.Format()),
	}, nil
}

// redeemFileToken consumes fileToken and re-verifies the session it is bound to
func (s *Server) redeemFileToken(ctx context.Context, fileToken, clientIP string) (*storage.Session, error) {
	sessionToken, err := s.FileTokens.Consume(ctx, fileToken)
	if err != nil {
		return nil, err
	}
	return s.Sessions.Verify(ctx, sessionToken, clientIP)
}

// authorizedRecord looks a record up and authorizes capability against its tenant.
// For tenant-scoped sessions an unknown id is reported as a permission denial so the
// response does not reveal whether the id exists under another tenant.
func (s *Server) authorizedRecord(ctx context.Context, sess *storage.Session, id int64, capability storage.Capability, clientIP string) (*records.Record, error) {
	rec, err := s.Records.Find(ctx, id)
	if err != nil {
		if !errors.Is(err, records.ErrRecordNotFound) {
			return nil, err
		}
		if aerr := s.Guard.Authorize(ctx, sess, capability, nil, clientIP); aerr != nil {
			return nil, aerr
		}
		if sess.TenantID != nil {
			return nil, fmt.Errorf("%w: record %d", authz.ErrPermissionDenied, id)
		}
		return nil, err
	}

	if err := s.Guard.Authorize(ctx, sess, capability, &rec.TenantID, clientIP); err != nil {
		return nil, err
	}
	return rec, nil
}

// openRecord decrypts rec and audits a failure
func (s *Server) openRecord(ctx context.Context, sess *storage.Session, rec *records.Record, clientIP string) (*records.Decrypted, error) {
	dec, err := s.Records.Open(ctx, rec)
	if err != nil {
		if errors.Is(err, records.ErrDecryption) {
			s.Auditor.LogRecordAccess(ctx, security.EventDecryptionFailed, sess, clientIP, rec.ID, rec.TenantID, nil)
		}
		return nil, err
	}
	return dec, nil
}
