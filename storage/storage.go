package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations.
// Callers use errors.Is to distinguish them from transient backend failures.
var (
	// ErrSessionNotFound is returned when no live session exists for a token
	ErrSessionNotFound = errors.New("session not found")

	// ErrFileTokenNotFound is returned when a file token does not exist or was already consumed
	ErrFileTokenNotFound = errors.New("file token not found")

	// ErrTokenExpired is returned when a record exists but its TTL has elapsed
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidInput is returned for empty keys or nil records
	ErrInvalidInput = errors.New("invalid storage input")
)

// SessionStore holds sessions keyed by their opaque token.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveSession stores a new session under token with the given TTL
	SaveSession(ctx context.Context, token string, session *Session, ttl time.Duration) error

	// GetSession returns the session for token, or ErrSessionNotFound when it is
	// absent or expired. Expired records are indistinguishable from missing ones.
	GetSession(ctx context.Context, token string) (*Session, error)

	// TouchSession pushes the session expiry to now+ttl and returns the refreshed record.
	// Returns ErrSessionNotFound if the session vanished in the meantime.
	TouchSession(ctx context.Context, token string, ttl time.Duration) (*Session, error)

	// DeleteSession removes the session. Deleting a missing token is not an error.
	DeleteSession(ctx context.Context, token string) error
}

// FileTokenStore holds single-use file-access tokens.
type FileTokenStore interface {
	// SaveFileToken stores a new file token. The record's ExpiresAt is its fixed TTL.
	SaveFileToken(ctx context.Context, token string, fileToken *FileToken) error

	// ConsumeFileToken atomically looks up and deletes the token.
	// Only one concurrent caller can succeed for a given token; every other caller
	// receives ErrFileTokenNotFound. Expired tokens return ErrTokenExpired.
	// SECURITY: This operation MUST be atomic.
	ConsumeFileToken(ctx context.Context, token string) (*FileToken, error)
}

// AttemptStore tracks failed authentication attempts per hashed source key.
type AttemptStore interface {
	// IncrementAttempts atomically increments the counter for key and pushes its
	// expiry to now+window. It returns the post-increment counter, so exactly one
	// concurrent caller observes any given count.
	// SECURITY: This operation MUST be atomic.
	IncrementAttempts(ctx context.Context, key string, window time.Duration) (*AttemptCounter, error)

	// GetAttempts returns the live counter for key. A missing or expired counter is
	// returned as a zero counter, not an error.
	GetAttempts(ctx context.Context, key string) (*AttemptCounter, error)

	// ResetAttempts drops the counter for key.
	ResetAttempts(ctx context.Context, key string) error
}

// Capability names a boolean permission carried by a session.
type Capability string

// Known capabilities
const (
	CapabilityView   Capability = "view"
	CapabilityEdit   Capability = "edit"
	CapabilityDelete Capability = "delete"
	CapabilityExport Capability = "export"
)

// Capabilities is the set of permission flags attached to an account and its sessions.
type Capabilities struct {
	CanView   bool `json:"can_view" yaml:"can_view"`
	CanEdit   bool `json:"can_edit" yaml:"can_edit"`
	CanDelete bool `json:"can_delete" yaml:"can_delete"`
	CanExport bool `json:"can_export" yaml:"can_export"`
}

// Has reports whether the named capability is granted. Unknown names are denied.
func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapabilityView:
		return c.CanView
	case CapabilityEdit:
		return c.CanEdit
	case CapabilityDelete:
		return c.CanDelete
	case CapabilityExport:
		return c.CanExport
	default:
		return false
	}
}

// AllCapabilities grants every capability
func AllCapabilities() Capabilities {
	return Capabilities{CanView: true, CanEdit: true, CanDelete: true, CanExport: true}
}

// Session is the server-held record behind a session token.
type Session struct {
	// ID is a non-secret identifier used in logs and audit events
	ID string `json:"id"`

	// Token is the opaque credential. It is the store key and is never serialized.
	Token string `json:"-"`

	// UserID is nil for legacy accounts
	UserID      *int64 `json:"user_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`

	// TenantID is nil for cross-tenant accounts
	TenantID *int64 `json:"tenant_id,omitempty"`

	Capabilities Capabilities `json:"capabilities"`

	// AntiForgeryToken must accompany every action request made with this session
	AntiForgeryToken string `json:"anti_forgery_token"`

	LoginAt   time.Time `json:"login_at"`
	BoundIP   string    `json:"bound_ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Clone returns a deep copy so callers cannot mutate stored records
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.UserID != nil {
		v := *s.UserID
		c.UserID = &v
	}
	if s.TenantID != nil {
		v := *s.TenantID
		c.TenantID = &v
	}
	return &c
}

// FileToken is a short-lived, single-use credential bound to a session.
type FileToken struct {
	// SessionToken references the bound session. It does not own it.
	SessionToken string    `json:"session_token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AttemptCounter is the failed-attempt state for one hashed source key.
type AttemptCounter struct {
	Key       string
	Count     int
	ExpiresAt time.Time
}
