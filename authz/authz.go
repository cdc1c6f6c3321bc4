// Package authz enforces capability and tenant checks on verified sessions.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

var (
	// ErrPermissionDenied is returned for every authorization failure
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTenantMismatch wraps ErrPermissionDenied. Outside this process it must be
	// reported exactly like any other denial so cross-tenant records stay invisible.
	ErrTenantMismatch = fmt.Errorf("%w: tenant mismatch", ErrPermissionDenied)
)

// HasCapability reports whether the session carries capability.
// A nil session and unknown capabilities are denied.
func HasCapability(s *storage.Session, capability storage.Capability) bool {
	if s == nil {
		return false
	}
	return s.Capabilities.Has(capability)
}

// CanAccessTenant reports whether the session may touch records of tenantID.
// Sessions without a tenant span every tenant.
func CanAccessTenant(s *storage.Session, tenantID int64) bool {
	if s == nil {
		return false
	}
	if s.TenantID == nil {
		return true
	}
	return *s.TenantID == tenantID
}

// Guard runs both checks and reports denials
type Guard struct {
	auditor *security.Auditor
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewGuard creates a guard. auditor may be nil.
func NewGuard(auditor *security.Auditor, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{auditor: auditor, logger: logger}
}

// SetInstrumentation enables denial metrics
func (g *Guard) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		g.metrics = inst.Metrics()
	}
}

// HasCapability is the package-level HasCapability
func (g *Guard) HasCapability(s *storage.Session, capability storage.Capability) bool {
	return HasCapability(s, capability)
}

// CanAccessTenant is the package-level CanAccessTenant
func (g *Guard) CanAccessTenant(s *storage.Session, tenantID int64) bool {
	return CanAccessTenant(s, tenantID)
}

// Authorize checks capability and, when tenantID is non-nil, tenant scope.
// The capability is checked first; the first failure ends the evaluation and
// is audited with the denied capability and requested tenant.
func (g *Guard) Authorize(ctx context.Context, s *storage.Session, capability storage.Capability, tenantID *int64, clientIP string) error {
	if !HasCapability(s, capability) {
		g.deny(ctx, s, clientIP, capability, tenantID, "missing_capability")
		return fmt.Errorf("%w: missing %s capability", ErrPermissionDenied, capability)
	}

	if tenantID != nil && !CanAccessTenant(s, *tenantID) {
		g.deny(ctx, s, clientIP, capability, tenantID, "tenant_mismatch")
		return ErrTenantMismatch
	}
	return nil
}

func (g *Guard) deny(ctx context.Context, s *storage.Session, clientIP string, capability storage.Capability, tenantID *int64, reason string) {
	g.metrics.RecordAuthorizationDenied(ctx, reason, string(capability))
	g.auditor.LogPermissionDenied(ctx, s, clientIP, capability, tenantID, reason)

	attrs := []any{"capability", capability, "reason", reason}
	if s != nil {
		attrs = append(attrs, "session_id", s.ID)
	}
	g.logger.InfoContext(ctx, "Authorization denied", attrs...)
}
