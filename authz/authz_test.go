package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/giantswarm/portal-auth/internal/testutil"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []security.Event
}

func (r *recordingSink) Publish(_ context.Context, e security.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func tenantSession(tenant *int64, caps storage.Capabilities) *storage.Session {
	return &storage.Session{
		ID:           "session-1",
		Username:     "frontdesk",
		TenantID:     tenant,
		Capabilities: caps,
	}
}

func TestCanAccessTenant(t *testing.T) {
	scoped := tenantSession(testutil.Int64(5), storage.Capabilities{})
	global := tenantSession(nil, storage.Capabilities{})

	tests := []struct {
		name    string
		session *storage.Session
		tenant  int64
		want    bool
	}{
		{"same tenant", scoped, 5, true},
		{"other tenant 7", scoped, 7, false},
		{"other tenant 9", scoped, 9, false},
		{"cross-tenant account on 5", global, 5, true},
		{"cross-tenant account on 7", global, 7, true},
		{"nil session", nil, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanAccessTenant(tt.session, tt.tenant); got != tt.want {
				t.Errorf("CanAccessTenant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasCapability(t *testing.T) {
	s := tenantSession(nil, storage.Capabilities{CanView: true, CanExport: true})

	tests := []struct {
		capability storage.Capability
		want       bool
	}{
		{storage.CapabilityView, true},
		{storage.CapabilityExport, true},
		{storage.CapabilityEdit, false},
		{storage.CapabilityDelete, false},
		{storage.Capability("admin"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.capability), func(t *testing.T) {
			if got := HasCapability(s, tt.capability); got != tt.want {
				t.Errorf("HasCapability(%s) = %v, want %v", tt.capability, got, tt.want)
			}
		})
	}

	if HasCapability(nil, storage.CapabilityView) {
		t.Error("nil session must be denied")
	}
}

func TestGuard_Authorize(t *testing.T) {
	viewer := tenantSession(testutil.Int64(5), storage.Capabilities{CanView: true})

	tests := []struct {
		name         string
		session      *storage.Session
		capability   storage.Capability
		tenant       *int64
		wantErr      error
		wantMismatch bool
	}{
		{name: "allowed", session: viewer, capability: storage.CapabilityView, tenant: testutil.Int64(5)},
		{name: "allowed without tenant", session: viewer, capability: storage.CapabilityView},
		{name: "missing capability", session: viewer, capability: storage.CapabilityDelete, tenant: testutil.Int64(5), wantErr: ErrPermissionDenied},
		{name: "tenant mismatch", session: viewer, capability: storage.CapabilityView, tenant: testutil.Int64(7), wantErr: ErrPermissionDenied, wantMismatch: true},
		{name: "nil session", session: nil, capability: storage.CapabilityView, wantErr: ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			auditor := security.NewAuditor(nil, true)
			auditor.AddSink(sink)
			guard := NewGuard(auditor, nil)

			err := guard.Authorize(context.Background(), tt.session, tt.capability, tt.tenant, "192.0.2.10")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Authorize() error = %v", err)
				}
				if len(sink.events) != 0 {
					t.Errorf("allowed request produced %d audit events", len(sink.events))
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrTenantMismatch); got != tt.wantMismatch {
				t.Errorf("errors.Is(err, ErrTenantMismatch) = %v, want %v", got, tt.wantMismatch)
			}
			if len(sink.events) != 1 || sink.events[0].Type != security.EventPermissionDenied {
				t.Fatalf("expected one permission_denied event, got %+v", sink.events)
			}
			if sink.events[0].Metadata["capability"] != string(tt.capability) {
				t.Errorf("capability metadata = %v", sink.events[0].Metadata["capability"])
			}
		})
	}
}

func TestGuard_CapabilityCheckedBeforeTenant(t *testing.T) {
	sink := &recordingSink{}
	auditor := security.NewAuditor(nil, true)
	auditor.AddSink(sink)
	guard := NewGuard(auditor, nil)

	s := tenantSession(testutil.Int64(5), storage.Capabilities{})
	err := guard.Authorize(context.Background(), s, storage.CapabilityExport, testutil.Int64(7), "192.0.2.10")
	if errors.Is(err, ErrTenantMismatch) {
		t.Error("capability failure must short-circuit before the tenant check")
	}
	if sink.events[0].Metadata["reason"] != "missing_capability" {
		t.Errorf("reason = %v", sink.events[0].Metadata["reason"])
	}
	if sink.events[0].Metadata["requested_tenant_id"] != int64(7) {
		t.Errorf("requested_tenant_id = %v", sink.events[0].Metadata["requested_tenant_id"])
	}
}

func TestFrontdeskScenario(t *testing.T) {
	guard := NewGuard(nil, nil)
	s := tenantSession(testutil.Int64(5), storage.Capabilities{CanView: true})

	if !guard.CanAccessTenant(s, 5) {
		t.Error("tenant 5 must be accessible")
	}
	if guard.CanAccessTenant(s, 9) {
		t.Error("tenant 9 must be denied")
	}
	if !guard.HasCapability(s, storage.CapabilityView) {
		t.Error("view capability must be granted")
	}
}
