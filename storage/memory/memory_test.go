package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/internal/testutil"
	"github.com/giantswarm/portal-auth/storage"
)

const (
	testSessionToken = "test-session-token"
	testFileToken    = "test-file-token"
	testAttemptKey   = "h4shed-ip-A"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)
	return store, clock
}

// ============================================================
// SessionStore Tests
// ============================================================

func TestStore_SaveAndGetSession(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	session := testutil.GenerateTestSession("192.0.2.10")
	if err := store.SaveSession(ctx, testSessionToken, session, 30*time.Minute); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.GetSession(ctx, testSessionToken)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if got.Username != session.Username {
		t.Errorf("Username = %q, want %q", got.Username, session.Username)
	}
	if got.Token != testSessionToken {
		t.Errorf("Token = %q, want %q", got.Token, testSessionToken)
	}
	if want := clock.Now().Add(30 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	if *got.TenantID != 5 {
		t.Errorf("TenantID = %d, want 5", *got.TenantID)
	}
}

func TestStore_GetSession_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_ = store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), time.Hour)

	got, _ := store.GetSession(ctx, testSessionToken)
	got.Capabilities.CanDelete = true
	*got.TenantID = 99

	again, _ := store.GetSession(ctx, testSessionToken)
	if again.Capabilities.CanDelete {
		t.Error("mutating a returned session must not change the stored record")
	}
	if *again.TenantID != 5 {
		t.Errorf("TenantID = %d, want 5", *again.TenantID)
	}
}

func TestStore_SaveSession_InvalidInput(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	session := testutil.GenerateTestSession("192.0.2.10")

	tests := []struct {
		name    string
		token   string
		session *storage.Session
		ttl     time.Duration
	}{
		{"empty token", "", session, time.Hour},
		{"nil session", testSessionToken, nil, time.Hour},
		{"zero ttl", testSessionToken, session, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SaveSession(ctx, tt.token, tt.session, tt.ttl)
			if !errors.Is(err, storage.ErrInvalidInput) {
				t.Errorf("SaveSession() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestStore_GetSession_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetSession(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_GetSession_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), 5*time.Minute)

	clock.Advance(5 * time.Minute)

	_, err := store.GetSession(ctx, testSessionToken)
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_TouchSession_Slides(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), 10*time.Minute)

	// Touch just before expiry, twice; the session must stay alive past the original deadline
	clock.Advance(9 * time.Minute)
	if _, err := store.TouchSession(ctx, testSessionToken, 10*time.Minute); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}
	clock.Advance(9 * time.Minute)
	got, err := store.TouchSession(ctx, testSessionToken, 10*time.Minute)
	if err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}

	if want := clock.Now().Add(10 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
}

func TestStore_TouchSession_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), 5*time.Minute)
	clock.Advance(6 * time.Minute)

	_, err := store.TouchSession(ctx, testSessionToken, 5*time.Minute)
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("TouchSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_DeleteSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_ = store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), time.Hour)

	if err := store.DeleteSession(ctx, testSessionToken); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := store.DeleteSession(ctx, testSessionToken); err != nil {
		t.Errorf("second DeleteSession() error = %v, want nil", err)
	}

	if _, err := store.GetSession(ctx, testSessionToken); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}
}

// ============================================================
// FileTokenStore Tests
// ============================================================

func TestStore_ConsumeFileToken_SingleUse(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	err := store.SaveFileToken(ctx, testFileToken, &storage.FileToken{
		SessionToken: testSessionToken,
		CreatedAt:    clock.Now(),
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveFileToken() error = %v", err)
	}

	got, err := store.ConsumeFileToken(ctx, testFileToken)
	if err != nil {
		t.Fatalf("first ConsumeFileToken() error = %v", err)
	}
	if got.SessionToken != testSessionToken {
		t.Errorf("SessionToken = %q, want %q", got.SessionToken, testSessionToken)
	}

	_, err = store.ConsumeFileToken(ctx, testFileToken)
	if !errors.Is(err, storage.ErrFileTokenNotFound) {
		t.Errorf("second ConsumeFileToken() error = %v, want ErrFileTokenNotFound", err)
	}
}

func TestStore_ConsumeFileToken_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveFileToken(ctx, testFileToken, &storage.FileToken{
		SessionToken: testSessionToken,
		CreatedAt:    clock.Now(),
		ExpiresAt:    clock.Now().Add(300 * time.Second),
	})

	clock.Advance(301 * time.Second)

	_, err := store.ConsumeFileToken(ctx, testFileToken)
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("ConsumeFileToken() error = %v, want ErrTokenExpired", err)
	}

	// The expired token was removed in the same operation
	_, err = store.ConsumeFileToken(ctx, testFileToken)
	if !errors.Is(err, storage.ErrFileTokenNotFound) {
		t.Errorf("retry ConsumeFileToken() error = %v, want ErrFileTokenNotFound", err)
	}
}

func TestStore_ConsumeFileToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveFileToken(ctx, testFileToken, &storage.FileToken{
		SessionToken: testSessionToken,
		CreatedAt:    clock.Now(),
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
	})

	const workers = 50
	var successes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeFileToken(ctx, testFileToken); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful consumes = %d, want 1", got)
	}
}

// ============================================================
// AttemptStore Tests
// ============================================================

func TestStore_IncrementAttempts(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	for i := 1; i <= 3; i++ {
		counter, err := store.IncrementAttempts(ctx, testAttemptKey, 15*time.Minute)
		if err != nil {
			t.Fatalf("IncrementAttempts() error = %v", err)
		}
		if counter.Count != i {
			t.Errorf("Count = %d, want %d", counter.Count, i)
		}
		if want := clock.Now().Add(15 * time.Minute); !counter.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", counter.ExpiresAt, want)
		}
		clock.Advance(time.Minute)
	}

	got, _ := store.GetAttempts(ctx, testAttemptKey)
	if got.Count != 3 {
		t.Errorf("GetAttempts().Count = %d, want 3", got.Count)
	}
}

func TestStore_IncrementAttempts_WindowExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_, _ = store.IncrementAttempts(ctx, testAttemptKey, 15*time.Minute)
	_, _ = store.IncrementAttempts(ctx, testAttemptKey, 15*time.Minute)

	clock.Advance(15 * time.Minute)

	got, _ := store.GetAttempts(ctx, testAttemptKey)
	if got.Count != 0 {
		t.Errorf("GetAttempts().Count after window = %d, want 0", got.Count)
	}

	counter, _ := store.IncrementAttempts(ctx, testAttemptKey, 15*time.Minute)
	if counter.Count != 1 {
		t.Errorf("Count after window = %d, want 1", counter.Count)
	}
}

func TestStore_IncrementAttempts_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	const workers = 100
	seen := make([]atomic.Int32, workers+1)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			counter, err := store.IncrementAttempts(ctx, testAttemptKey, time.Hour)
			if err != nil {
				t.Errorf("IncrementAttempts() error = %v", err)
				return
			}
			seen[counter.Count].Add(1)
		}()
	}
	wg.Wait()

	// Every count from 1..workers must be observed by exactly one caller
	for i := 1; i <= workers; i++ {
		if got := seen[i].Load(); got != 1 {
			t.Errorf("count %d observed %d times, want 1", i, got)
		}
	}
}

func TestStore_ResetAttempts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, _ = store.IncrementAttempts(ctx, testAttemptKey, time.Hour)
	if err := store.ResetAttempts(ctx, testAttemptKey); err != nil {
		t.Fatalf("ResetAttempts() error = %v", err)
	}

	got, err := store.GetAttempts(ctx, testAttemptKey)
	if err != nil {
		t.Fatalf("GetAttempts() error = %v", err)
	}
	if got.Count != 0 {
		t.Errorf("Count = %d, want 0", got.Count)
	}
}

func TestStore_IncrementAttempts_InvalidInput(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.IncrementAttempts(context.Background(), "", time.Minute); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty key error = %v, want ErrInvalidInput", err)
	}
	if _, err := store.IncrementAttempts(context.Background(), testAttemptKey, 0); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("zero window error = %v, want ErrInvalidInput", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	_ = store.SaveSession(ctx, "short", testutil.GenerateTestSession("192.0.2.10"), 5*time.Minute)
	_ = store.SaveSession(ctx, "long", testutil.GenerateTestSession("192.0.2.10"), time.Hour)
	_ = store.SaveFileToken(ctx, testFileToken, &storage.FileToken{
		SessionToken: "long",
		CreatedAt:    clock.Now(),
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
	})
	_, _ = store.IncrementAttempts(ctx, testAttemptKey, 5*time.Minute)

	clock.Advance(10 * time.Minute)
	store.cleanup()

	store.mu.RLock()
	defer store.mu.RUnlock()

	if len(store.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(store.sessions))
	}
	if _, ok := store.sessions["long"]; !ok {
		t.Error("live session was removed by cleanup")
	}
	if len(store.fileTokens) != 0 {
		t.Errorf("fileTokens = %d, want 0", len(store.fileTokens))
	}
	if len(store.attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(store.attempts))
	}
	if got := store.sessionsCountAtomic.Load(); got != 1 {
		t.Errorf("sessionsCountAtomic = %d, want 1", got)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	store.Stop()
	store.Stop()
}

func TestStore_WithInstrumentation(t *testing.T) {
	ctx := context.Background()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	store, _ := newTestStore(t)
	store.SetInstrumentation(inst)

	if err := store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), time.Hour); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if _, err := store.GetSession(ctx, testSessionToken); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got := store.sessionsCountAtomic.Load(); got != 1 {
		t.Errorf("sessionsCountAtomic = %d, want 1", got)
	}
}

func TestStore_SetInstrumentationWhileInUse(t *testing.T) {
	ctx := context.Background()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	store, _ := newTestStore(t)
	if err := store.SaveSession(ctx, testSessionToken, testutil.GenerateTestSession("192.0.2.10"), time.Hour); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := store.GetSession(ctx, testSessionToken); err != nil {
					t.Errorf("GetSession() error = %v", err)
					return
				}
			}
		}()
	}
	store.SetInstrumentation(inst)
	wg.Wait()
}
