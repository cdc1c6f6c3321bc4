package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores the session under token with the given sliding TTL
func (s *Store) SaveSession(ctx context.Context, token string, session *storage.Session, ttl time.Duration) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: session cannot be nil", storage.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", storage.ErrInvalidInput)
	}

	now := s.now()
	stored := session.Clone()
	stored.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	key := s.sessionKey(token)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(keyTTL(stored.ExpiresAt, now)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debug("Saved session", "session_id", stored.ID)
	return nil
}

// GetSession returns the live session for token
func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	session, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if security.IsExpiredAt(session.ExpiresAt, s.now()) {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// TouchSession extends the session expiry to now+ttl.
// Concurrent touches are last-write-wins; the key is only rewritten while it still
// exists so a touch can never resurrect a session deleted in the meantime.
func (s *Store) TouchSession(ctx context.Context, token string, ttl time.Duration) (*storage.Session, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", storage.ErrInvalidInput)
	}

	session, err := s.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	replaced, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceIfExists).
			Numkeys(1).
			Key(s.sessionKey(token)).
			Arg(string(data), strconv.FormatInt(keyTTL(session.ExpiresAt, now).Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	if replaced == 0 {
		return nil, storage.ErrSessionNotFound
	}

	return session, nil
}

// DeleteSession removes a session. Missing tokens are ignored.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Debug("Deleted session")
	return nil
}

func (s *Store) loadSession(ctx context.Context, token string) (*storage.Session, error) {
	if err := validateToken(token); err != nil {
		return nil, storage.ErrSessionNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session storage.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.Token = token
	return &session, nil
}
