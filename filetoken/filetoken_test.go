package filetoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/portal-auth/internal/testutil"
	"github.com/giantswarm/portal-auth/storage"
	"github.com/giantswarm/portal-auth/storage/memory"
)

const sessionToken = "bound-session-token"

func newTestIssuer(t *testing.T, ttl time.Duration) (*Issuer, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	issuer := NewIssuer(store, ttl, nil)
	issuer.SetClock(clock.Now)
	return issuer, clock
}

func TestNewIssuer_DefaultTTL(t *testing.T) {
	issuer, _ := newTestIssuer(t, 0)
	if issuer.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", issuer.TTL(), DefaultTTL)
	}
}

func TestIssuer_SingleUse(t *testing.T) {
	issuer, _ := newTestIssuer(t, 0)
	ctx := context.Background()

	token, err := issuer.Issue(ctx, sessionToken)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == sessionToken || len(token) != 43 {
		t.Errorf("unexpected token %q", token)
	}

	bound, err := issuer.Consume(ctx, token)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if bound != sessionToken {
		t.Errorf("Consume() = %q, want %q", bound, sessionToken)
	}

	if _, err := issuer.Consume(ctx, token); !errors.Is(err, ErrTokenExpiredOrConsumed) {
		t.Errorf("second Consume() error = %v, want ErrTokenExpiredOrConsumed", err)
	}
}

func TestIssuer_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		wait    time.Duration
		wantErr bool
	}{
		{"just before expiry", 299 * time.Second, false},
		{"at expiry", 300 * time.Second, true},
		{"after expiry", 301 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, clock := newTestIssuer(t, 300*time.Second)
			ctx := context.Background()

			token, err := issuer.Issue(ctx, sessionToken)
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}

			clock.Advance(tt.wait)
			bound, err := issuer.Consume(ctx, token)
			if tt.wantErr {
				if !errors.Is(err, ErrTokenExpiredOrConsumed) {
					t.Errorf("Consume() error = %v, want ErrTokenExpiredOrConsumed", err)
				}
				if bound != "" {
					t.Errorf("expired Consume() returned %q", bound)
				}
				return
			}
			if err != nil || bound != sessionToken {
				t.Errorf("Consume() = %q, %v", bound, err)
			}
		})
	}
}

func TestIssuer_ConcurrentConsume(t *testing.T) {
	issuer, _ := newTestIssuer(t, 0)
	ctx := context.Background()

	token, _ := issuer.Issue(ctx, sessionToken)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := issuer.Consume(ctx, token); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent consumes succeeded, want exactly 1", got)
	}
}

func TestIssuer_InvalidInput(t *testing.T) {
	issuer, _ := newTestIssuer(t, 0)
	ctx := context.Background()

	if _, err := issuer.Issue(ctx, ""); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Issue(\"\") error = %v, want ErrInvalidInput", err)
	}
	if _, err := issuer.Consume(ctx, ""); !errors.Is(err, ErrTokenExpiredOrConsumed) {
		t.Errorf("Consume(\"\") error = %v, want ErrTokenExpiredOrConsumed", err)
	}
	if _, err := issuer.Consume(ctx, "never-issued"); !errors.Is(err, ErrTokenExpiredOrConsumed) {
		t.Errorf("Consume(unknown) error = %v, want ErrTokenExpiredOrConsumed", err)
	}
}
