package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

// ============================================================
// FileTokenStore Implementation
// ============================================================

// SaveFileToken stores a single-use file token until its fixed expiry
func (s *Store) SaveFileToken(ctx context.Context, token string, fileToken *storage.FileToken) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if fileToken == nil {
		return fmt.Errorf("%w: file token cannot be nil", storage.ErrInvalidInput)
	}

	ttl := keyTTL(fileToken.ExpiresAt, s.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: file token already expired", storage.ErrInvalidInput)
	}

	data, err := json.Marshal(fileToken)
	if err != nil {
		return fmt.Errorf("failed to marshal file token: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.fileTokenKey(token)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save file token: %w", err)
	}

	s.logger.Debug("Saved file token",
		"token_prefix", safeTruncate(token, tokenIDLogLength))
	return nil
}

// ConsumeFileToken atomically fetches and deletes a file token.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumeFileToken(ctx context.Context, token string) (*storage.FileToken, error) {
	if err := validateToken(token); err != nil {
		return nil, storage.ErrFileTokenNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeFileToken).
			Numkeys(1).
			Key(s.fileTokenKey(token)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic file token consume: %w", err)
	}

	return s.parseConsumedFileToken(token, result)
}

// parseConsumedFileToken interprets the consume script result
func (s *Store) parseConsumedFileToken(token, result string) (*storage.FileToken, error) {
	if result == "NOT_FOUND" {
		return nil, storage.ErrFileTokenNotFound
	}

	var fileToken storage.FileToken
	if err := json.Unmarshal([]byte(result), &fileToken); err != nil {
		return nil, fmt.Errorf("failed to parse file token: %w", err)
	}

	if security.IsExpiredAt(fileToken.ExpiresAt, s.now()) {
		return nil, fmt.Errorf("%w: file token expired", storage.ErrTokenExpired)
	}

	s.logger.Debug("Consumed file token",
		"token_prefix", safeTruncate(token, tokenIDLogLength))
	return &fileToken, nil
}
