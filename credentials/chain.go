package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when no tier knows the username, so unknown and
// known usernames cost the same bcrypt work
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Match is a successful verification
type Match struct {
	Account *Account
	Tier    Tier

	source Source
}

// Chain evaluates credential sources in tier order
type Chain struct {
	sources []Source
	logger  *slog.Logger
}

// NewChain creates a chain. Sources are ordered by Tier regardless of argument order;
// nil sources are ignored.
func NewChain(logger *slog.Logger, sources ...Source) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	ordered := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tier() < ordered[j].Tier()
	})

	return &Chain{sources: ordered, logger: logger}
}

// Tiers returns the configured tiers in evaluation order
func (c *Chain) Tiers() []Tier {
	tiers := make([]Tier, len(c.sources))
	for i, s := range c.sources {
		tiers[i] = s.Tier()
	}
	return tiers
}

// Verify checks username and password. Every authentication failure returns an
// error wrapping ErrRejected; any other error is a backend failure.
//
// The first tier whose Lookup finds the username decides the outcome. Inactive
// accounts are rejected even with the right password.
func (c *Chain) Verify(ctx context.Context, username, password string) (*Match, error) {
	var (
		account *Account
		source  Source
	)

	if username != "" {
		for _, s := range c.sources {
			a, err := s.Lookup(ctx, username)
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s credential lookup failed: %w", s.Tier(), err)
			}
			account, source = a, s
			break
		}
	}

	hash := dummyHash
	if account != nil && account.PasswordHash != "" {
		hash = account.PasswordHash
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	var reason string
	switch {
	case account == nil:
		reason = "unknown_account"
	case account.PasswordHash == "":
		reason = "no_password"
	case !account.Active:
		reason = "inactive_account"
	case compareErr != nil:
		reason = "password_mismatch"
	}

	if reason != "" {
		c.logger.DebugContext(ctx, "Credential verification failed", "reason", reason)
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	return &Match{Account: account, Tier: source.Tier(), source: source}, nil
}

// RecordLogin stores the login time on the matched account when its tier supports it
func (c *Chain) RecordLogin(ctx context.Context, m *Match, at time.Time) error {
	if m == nil {
		return nil
	}
	recorder, ok := m.source.(LoginRecorder)
	if !ok {
		return nil
	}
	if err := recorder.RecordLogin(ctx, m.Account, at); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for any tier
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
