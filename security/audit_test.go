package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/giantswarm/portal-auth/storage"
)

// recordingSink captures published events
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func testSession() *storage.Session {
	userID, tenantID := int64(42), int64(5)
	return &storage.Session{
		ID:       "sess-1",
		UserID:   &userID,
		Username: "frontdesk",
		TenantID: &tenantID,
		BoundIP:  "192.0.2.10",
	}
}

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{"enabled with logger", slog.Default(), true},
		{"disabled with logger", slog.Default(), false},
		{"enabled with nil logger", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.logEvents != tt.enabled {
				t.Errorf("logEvents = %v, want %v", auditor.logEvents, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{"enabled", true, true},
		{"disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			sink := &recordingSink{}

			auditor := NewAuditor(logger, tt.enabled)
			auditor.AddSink(sink)
			auditor.LogEvent(context.Background(), Event{Type: EventLogout, Actor: "frontdesk"})

			hasLog := strings.Contains(buf.String(), "security_audit")
			if hasLog != tt.wantLog {
				t.Errorf("log written = %v, want %v", hasLog, tt.wantLog)
			}
			if got := len(sink.events); got != 1 {
				t.Errorf("sink events = %d, want 1", got)
			}
		})
	}
}

func TestAuditor_HashesActor(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogLoginFailure(context.Background(), "frontdesk", "192.0.2.10", "invalid_credentials")

	out := buf.String()
	if strings.Contains(out, "frontdesk") {
		t.Errorf("log contains raw username: %s", out)
	}
	if !strings.Contains(out, hashForLogging("frontdesk")) {
		t.Errorf("log missing hashed actor: %s", out)
	}
}

func TestAuditor_FillsIDAndTimestamp(t *testing.T) {
	sink := &recordingSink{}
	auditor := NewAuditor(slog.Default(), true)
	auditor.AddSink(sink)

	auditor.LogLogout(context.Background(), testSession(), "192.0.2.10")

	event := sink.last()
	if event.ID == "" {
		t.Error("event ID should be generated")
	}
	if event.Timestamp.IsZero() {
		t.Error("event timestamp should be set")
	}
	if event.Type != EventLogout {
		t.Errorf("Type = %q, want %q", event.Type, EventLogout)
	}
	if event.Actor != "frontdesk" {
		t.Errorf("Actor = %q, want %q", event.Actor, "frontdesk")
	}
	if event.TenantID == nil || *event.TenantID != 5 {
		t.Errorf("TenantID = %v, want 5", event.TenantID)
	}
}

func TestAuditor_SinkErrorIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}

	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	auditor.AddSink(failing)
	auditor.AddSink(healthy)

	auditor.LogRateLimitExceeded(context.Background(), "192.0.2.10", "lockout")

	if len(healthy.events) != 1 {
		t.Errorf("healthy sink events = %d, want 1", len(healthy.events))
	}
	if !strings.Contains(buf.String(), "Failed to publish audit event") {
		t.Error("sink failure should be logged")
	}
}

func TestAuditor_SessionIPMismatchMetadata(t *testing.T) {
	sink := &recordingSink{}
	auditor := NewAuditor(slog.Default(), true)
	auditor.AddSink(sink)

	auditor.LogSessionIPMismatch(context.Background(), testSession(), "198.51.100.7")

	event := sink.last()
	if event.Type != EventSessionIPMismatch {
		t.Errorf("Type = %q, want %q", event.Type, EventSessionIPMismatch)
	}
	if event.Metadata["stored_ip"] != "192.0.2.10" {
		t.Errorf("stored_ip = %v, want 192.0.2.10", event.Metadata["stored_ip"])
	}
	if event.Metadata["current_ip"] != "198.51.100.7" {
		t.Errorf("current_ip = %v, want 198.51.100.7", event.Metadata["current_ip"])
	}
}

func TestAuditor_PermissionDenied(t *testing.T) {
	sink := &recordingSink{}
	auditor := NewAuditor(slog.Default(), true)
	auditor.AddSink(sink)

	requested := int64(7)
	auditor.LogPermissionDenied(context.Background(), testSession(), "192.0.2.10", storage.CapabilityView, &requested, "tenant_mismatch")

	event := sink.last()
	if event.Metadata["capability"] != "view" {
		t.Errorf("capability = %v, want view", event.Metadata["capability"])
	}
	if event.Metadata["requested_tenant_id"] != int64(7) {
		t.Errorf("requested_tenant_id = %v, want 7", event.Metadata["requested_tenant_id"])
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(context.Background(), Event{Type: EventLogout})
}

func TestEvent_JSON(t *testing.T) {
	recordID := int64(11)
	data, err := json.Marshal(Event{ID: "e1", Type: EventRecordViewed, RecordID: &recordID})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"record_id":11`) {
		t.Errorf("json = %s, want record_id", s)
	}
	if strings.Contains(s, "user_id") {
		t.Errorf("json = %s, nil user_id should be omitted", s)
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("alice")
	if len(h) != 16 {
		t.Errorf("len(hash) = %d, want 16", len(h))
	}
	if h != hashForLogging("alice") {
		t.Error("hashForLogging should be deterministic")
	}
}
