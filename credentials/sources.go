package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/portal-auth/storage"
)

// Primary is the per-tenant account tier
type Primary struct {
	repo AccountRepository
}

// NewPrimary creates the primary tier on top of repo
func NewPrimary(repo AccountRepository) *Primary {
	return &Primary{repo: repo}
}

func (p *Primary) Tier() Tier { return TierPrimary }

func (p *Primary) Lookup(ctx context.Context, username string) (*Account, error) {
	return p.repo.GetByUsername(ctx, username)
}

// RecordLogin stores the login time on the account row
func (p *Primary) RecordLogin(ctx context.Context, account *Account, at time.Time) error {
	if account == nil || account.ID == nil {
		return nil
	}
	return p.repo.UpdateLastLogin(ctx, *account.ID, at)
}

// LegacyAccount is one entry of the legacy account list
type LegacyAccount struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	DisplayName  string `yaml:"display_name"`

	// TenantID restricts the account to one tenant; nil grants all tenants
	TenantID *int64 `yaml:"tenant_id"`

	// Capabilities defaults to every capability when omitted
	Capabilities *storage.Capabilities `yaml:"capabilities"`

	// Disabled marks an entry as inactive without removing it
	Disabled bool `yaml:"disabled"`
}

func (l LegacyAccount) account() *Account {
	caps := storage.AllCapabilities()
	if l.Capabilities != nil {
		caps = *l.Capabilities
	}
	display := l.DisplayName
	if display == "" {
		display = l.Username
	}
	return &Account{
		Username:     l.Username,
		DisplayName:  display,
		PasswordHash: l.PasswordHash,
		TenantID:     l.TenantID,
		Capabilities: caps,
		Active:       !l.Disabled,
	}
}

// LegacyMulti is the historical multi-account list
type LegacyMulti struct {
	accounts map[string]LegacyAccount
}

// NewLegacyMulti builds the tier from a list. Duplicate usernames are rejected.
func NewLegacyMulti(accounts []LegacyAccount) (*LegacyMulti, error) {
	m := &LegacyMulti{accounts: make(map[string]LegacyAccount, len(accounts))}
	for i, a := range accounts {
		if a.Username == "" {
			return nil, fmt.Errorf("legacy account %d: username is required", i)
		}
		if a.PasswordHash == "" {
			return nil, fmt.Errorf("legacy account %q: password_hash is required", a.Username)
		}
		if _, dup := m.accounts[a.Username]; dup {
			return nil, fmt.Errorf("legacy account %q: duplicate username", a.Username)
		}
		m.accounts[a.Username] = a
	}
	return m, nil
}

func (m *LegacyMulti) Tier() Tier { return TierLegacyMulti }

func (m *LegacyMulti) Lookup(_ context.Context, username string) (*Account, error) {
	a, ok := m.accounts[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.account(), nil
}

// Len returns the number of legacy accounts
func (m *LegacyMulti) Len() int {
	return len(m.accounts)
}

// LegacySingle is the single global account configuration.
// It always grants every capability on every tenant.
type LegacySingle struct {
	username     string
	passwordHash string
}

// NewLegacySingle creates the tier. An empty username disables it.
func NewLegacySingle(username, passwordHash string) *LegacySingle {
	return &LegacySingle{username: username, passwordHash: passwordHash}
}

func (s *LegacySingle) Tier() Tier { return TierLegacySingle }

func (s *LegacySingle) Lookup(_ context.Context, username string) (*Account, error) {
	if s.username == "" || s.passwordHash == "" || username != s.username {
		return nil, ErrAccountNotFound
	}
	return &Account{
		Username:     s.username,
		DisplayName:  s.username,
		PasswordHash: s.passwordHash,
		Capabilities: storage.AllCapabilities(),
		Active:       true,
	}, nil
}
