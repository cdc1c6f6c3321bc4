package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/portal-auth/storage"
)

// ============================================================
// AttemptStore Implementation
// ============================================================

// IncrementAttempts atomically increments the failure counter for key
//
// SECURITY: This operation is atomic via Lua script.
func (s *Store) IncrementAttempts(ctx context.Context, key string, window time.Duration) (*storage.AttemptCounter, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key cannot be empty", storage.ErrInvalidInput)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", storage.ErrInvalidInput)
	}

	now := s.now()
	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementAttempts).
			Numkeys(1).
			Key(s.attemptsKey(key)).
			Arg(strconv.FormatInt(window.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to increment attempts: %w", err)
	}

	return &storage.AttemptCounter{
		Key:       key,
		Count:     int(count),
		ExpiresAt: now.Add(window),
	}, nil
}

// GetAttempts returns the live counter for key, or a zero counter
func (s *Store) GetAttempts(ctx context.Context, key string) (*storage.AttemptCounter, error) {
	now := s.now()
	values, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGetAttempts).
			Numkeys(1).
			Key(s.attemptsKey(key)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}

	return counterFromReply(key, values, now), nil
}

// ResetAttempts drops the counter for key
func (s *Store) ResetAttempts(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.attemptsKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

// counterFromReply converts a {count, pttl_ms} script reply into a counter.
// A key without a TTL (pttl -1) or a missing key (pttl -2 or 0) is reported as zero.
func counterFromReply(key string, values []int64, now time.Time) *storage.AttemptCounter {
	counter := &storage.AttemptCounter{Key: key}
	if len(values) != 2 || values[0] <= 0 || values[1] <= 0 {
		return counter
	}
	counter.Count = int(values[0])
	counter.ExpiresAt = now.Add(time.Duration(values[1]) * time.Millisecond)
	return counter
}
