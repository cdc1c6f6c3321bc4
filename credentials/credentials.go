package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/portal-auth/storage"
)

var (
	// ErrAccountNotFound is returned by a Source that does not know a username
	ErrAccountNotFound = errors.New("account not found")

	// ErrRejected is returned by Chain.Verify for every authentication failure:
	// unknown username, wrong password and inactive account alike.
	ErrRejected = errors.New("credentials rejected")
)

// Tier identifies a credential source. Lower values are consulted first.
type Tier int

const (
	TierPrimary Tier = iota
	TierLegacyMulti
	TierLegacySingle
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierLegacyMulti:
		return "legacy_multi"
	case TierLegacySingle:
		return "legacy_single"
	default:
		return "unknown"
	}
}

// Account is a credential record as seen by the authenticator
type Account struct {
	// ID is nil for legacy accounts, which have no row in the account table
	ID           *int64
	Username     string
	DisplayName  string
	PasswordHash string

	// TenantID is nil for accounts that may access every tenant
	TenantID     *int64
	Capabilities storage.Capabilities
	Active       bool
	LastLoginAt  *time.Time
}

// Source is one credential tier
type Source interface {
	Tier() Tier

	// Lookup returns the account for username or ErrAccountNotFound.
	// Other errors are backend failures and abort verification.
	Lookup(ctx context.Context, username string) (*Account, error)
}

// LoginRecorder is implemented by sources that persist the last successful login
type LoginRecorder interface {
	RecordLogin(ctx context.Context, account *Account, at time.Time) error
}

// AccountRepository is the per-tenant account table behind the Primary tier
type AccountRepository interface {
	GetByUsername(ctx context.Context, username string) (*Account, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}
