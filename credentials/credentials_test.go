package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/portal-auth/internal/testutil"
	"github.com/giantswarm/portal-auth/storage"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

type failingSource struct{}

func (failingSource) Tier() Tier { return TierPrimary }
func (failingSource) Lookup(context.Context, string) (*Account, error) {
	return nil, errors.New("connection refused")
}

func newTestChain(t *testing.T) (*Chain, *MemoryRepository) {
	t.Helper()

	repo := NewMemoryRepository()
	mustAdd := func(a Account) {
		if _, err := repo.Add(a); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	mustAdd(Account{
		Username:     "frontdesk",
		DisplayName:  "Front Desk",
		PasswordHash: mustHash(t, "correctPass"),
		TenantID:     testutil.Int64(5),
		Capabilities: storage.Capabilities{CanView: true, CanExport: true},
		Active:       true,
	})
	mustAdd(Account{
		Username:     "retired",
		PasswordHash: mustHash(t, "oldPass"),
		TenantID:     testutil.Int64(5),
		Active:       false,
	})

	legacy, err := NewLegacyMulti([]LegacyAccount{
		{Username: "frontdesk", PasswordHash: mustHash(t, "legacyPass")},
		{Username: "archive", PasswordHash: mustHash(t, "archivePass"), TenantID: testutil.Int64(7),
			Capabilities: &storage.Capabilities{CanView: true}},
	})
	if err != nil {
		t.Fatalf("NewLegacyMulti() error = %v", err)
	}

	single := NewLegacySingle("admin", mustHash(t, "adminPass"))

	// deliberately out of order
	return NewChain(nil, single, legacy, NewPrimary(repo)), repo
}

func TestChain_Order(t *testing.T) {
	chain, _ := newTestChain(t)

	want := []Tier{TierPrimary, TierLegacyMulti, TierLegacySingle}
	got := chain.Tiers()
	if len(got) != len(want) {
		t.Fatalf("Tiers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tiers()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestChain_Verify(t *testing.T) {
	chain, _ := newTestChain(t)

	tests := []struct {
		name         string
		username     string
		password     string
		wantTier     Tier
		wantRejected bool
	}{
		{name: "primary account", username: "frontdesk", password: "correctPass", wantTier: TierPrimary},
		{name: "primary wrong password does not fall through", username: "frontdesk", password: "legacyPass", wantRejected: true},
		{name: "inactive account with right password", username: "retired", password: "oldPass", wantRejected: true},
		{name: "legacy multi account", username: "archive", password: "archivePass", wantTier: TierLegacyMulti},
		{name: "legacy multi wrong password", username: "archive", password: "nope", wantRejected: true},
		{name: "legacy single account", username: "admin", password: "adminPass", wantTier: TierLegacySingle},
		{name: "unknown username", username: "ghost", password: "anything", wantRejected: true},
		{name: "empty username", username: "", password: "correctPass", wantRejected: true},
		{name: "empty password", username: "frontdesk", password: "", wantRejected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := chain.Verify(context.Background(), tt.username, tt.password)
			if tt.wantRejected {
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("Verify() error = %v, want ErrRejected", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if match.Tier != tt.wantTier {
				t.Errorf("Tier = %v, want %v", match.Tier, tt.wantTier)
			}
			if match.Account.Username != tt.username {
				t.Errorf("Username = %q, want %q", match.Account.Username, tt.username)
			}
		})
	}
}

func TestChain_VerifyShapesAccount(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	primary, err := chain.Verify(ctx, "frontdesk", "correctPass")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if primary.Account.TenantID == nil || *primary.Account.TenantID != 5 {
		t.Errorf("TenantID = %v, want 5", primary.Account.TenantID)
	}
	if !primary.Account.Capabilities.CanExport || primary.Account.Capabilities.CanDelete {
		t.Errorf("Capabilities = %+v", primary.Account.Capabilities)
	}

	single, err := chain.Verify(ctx, "admin", "adminPass")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if single.Account.TenantID != nil {
		t.Error("legacy single account must span all tenants")
	}
	if single.Account.Capabilities != storage.AllCapabilities() {
		t.Errorf("Capabilities = %+v, want all", single.Account.Capabilities)
	}
	if single.Account.ID != nil {
		t.Error("legacy account must have no user id")
	}
}

func TestChain_BackendFailure(t *testing.T) {
	chain := NewChain(nil, failingSource{}, NewLegacySingle("admin", mustHash(t, "adminPass")))

	_, err := chain.Verify(context.Background(), "admin", "adminPass")
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("Verify() error = %v, want backend failure", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error %q does not carry the cause", err)
	}
}

func TestChain_RecordLogin(t *testing.T) {
	chain, repo := newTestChain(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	match, _ := chain.Verify(ctx, "frontdesk", "correctPass")
	if err := chain.RecordLogin(ctx, match, at); err != nil {
		t.Fatalf("RecordLogin() error = %v", err)
	}
	stored, _ := repo.GetByUsername(ctx, "frontdesk")
	if stored.LastLoginAt == nil || !stored.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt = %v, want %v", stored.LastLoginAt, at)
	}

	legacy, _ := chain.Verify(ctx, "admin", "adminPass")
	if err := chain.RecordLogin(ctx, legacy, at); err != nil {
		t.Errorf("RecordLogin() on legacy tier error = %v", err)
	}
	if err := chain.RecordLogin(ctx, nil, at); err != nil {
		t.Errorf("RecordLogin(nil) error = %v", err)
	}
}

func TestLegacySingle_Disabled(t *testing.T) {
	s := NewLegacySingle("", "")
	if _, err := s.Lookup(context.Background(), ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Lookup() error = %v, want ErrAccountNotFound", err)
	}
}

func TestNewLegacyMulti_Validation(t *testing.T) {
	tests := []struct {
		name     string
		accounts []LegacyAccount
	}{
		{"missing username", []LegacyAccount{{PasswordHash: "x"}}},
		{"missing hash", []LegacyAccount{{Username: "a"}}},
		{"duplicate", []LegacyAccount{{Username: "a", PasswordHash: "x"}, {Username: "a", PasswordHash: "y"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLegacyMulti(tt.accounts); err == nil {
				t.Error("NewLegacyMulti() error = nil, want error")
			}
		})
	}
}

func TestParseLegacyAccounts(t *testing.T) {
	doc := `
accounts:
  - username: reception
    password_hash: "$2a$10$abc"
    tenant_id: 5
    capabilities:
      can_view: true
      can_export: true
  - username: owner
    password_hash: "$2a$10$def"
    display_name: Practice Owner
    disabled: true
`
	accounts, err := ParseLegacyAccounts(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseLegacyAccounts() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}

	reception := accounts[0].account()
	if reception.TenantID == nil || *reception.TenantID != 5 {
		t.Errorf("TenantID = %v, want 5", reception.TenantID)
	}
	if want := (storage.Capabilities{CanView: true, CanExport: true}); reception.Capabilities != want {
		t.Errorf("Capabilities = %+v, want %+v", reception.Capabilities, want)
	}
	if reception.DisplayName != "reception" {
		t.Errorf("DisplayName = %q, want username fallback", reception.DisplayName)
	}

	owner := accounts[1].account()
	if owner.Active {
		t.Error("disabled entry must be inactive")
	}
	if owner.Capabilities != storage.AllCapabilities() {
		t.Errorf("Capabilities = %+v, want all", owner.Capabilities)
	}
	if owner.TenantID != nil {
		t.Error("TenantID should be nil")
	}
}

func TestParseLegacyAccounts_Errors(t *testing.T) {
	if _, err := ParseLegacyAccounts(strings.NewReader("accounts:\n  - usrname: typo\n")); err == nil {
		t.Error("unknown fields must be rejected")
	}

	accounts, err := ParseLegacyAccounts(strings.NewReader(""))
	if err != nil || len(accounts) != 0 {
		t.Errorf("empty document = %v, %v; want no accounts", accounts, err)
	}
}

func TestLoadLegacyMulti(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.yaml")
	doc := "accounts:\n  - username: archive\n    password_hash: \"" + mustHash(t, "archivePass") + "\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	tier, err := LoadLegacyMulti(path)
	if err != nil {
		t.Fatalf("LoadLegacyMulti() error = %v", err)
	}
	if tier.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tier.Len())
	}

	if _, err := LoadLegacyMulti(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file must fail")
	}
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a, err := repo.Add(Account{Username: "frontdesk"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if a.ID == nil || *a.ID != 1 {
		t.Errorf("ID = %v, want 1", a.ID)
	}
	if _, err := repo.Add(Account{Username: "frontdesk"}); err == nil {
		t.Error("duplicate Add() must fail")
	}
	if _, err := repo.Add(Account{}); err == nil {
		t.Error("Add() without username must fail")
	}

	got, _ := repo.GetByUsername(ctx, "frontdesk")
	*got.ID = 99
	again, _ := repo.GetByUsername(ctx, "frontdesk")
	if *again.ID != 1 {
		t.Error("repository must return copies")
	}

	if err := repo.UpdateLastLogin(ctx, 12345, time.Now()); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("UpdateLastLogin() unknown id error = %v, want ErrAccountNotFound", err)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
}

func TestTierString(t *testing.T) {
	if TierLegacyMulti.String() != "legacy_multi" || Tier(42).String() != "unknown" {
		t.Error("unexpected tier names")
	}
}
