package valkey

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/portal-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "portal:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings (512 bytes)
	MaxTokenLength = 512

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("%w: input exceeds maximum allowed size", storage.ErrInvalidInput)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "portal:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements SessionStore, FileTokenStore and AttemptStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.FileTokenStore = (*Store)(nil)
	_ storage.AttemptStore   = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key helpers
// ============================================================
//
// Tokens are hashed before they become part of a key so that SCAN, MONITOR or
// a replica dump never expose a usable credential.

func hashKeyPart(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func (s *Store) sessionKey(token string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, hashKeyPart(token))
}

func (s *Store) fileTokenKey(token string) string {
	return fmt.Sprintf("%sfiletoken:%s", s.prefix, hashKeyPart(token))
}

// attemptsKey does not hash again: attempt keys are already hashed source identities
func (s *Store) attemptsKey(key string) string {
	return fmt.Sprintf("%sattempts:%s", s.prefix, key)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts provide the two atomic primitives the storage interfaces require.
// Running them as a single EVAL makes them atomic in Valkey, so concurrent
// requests on different instances cannot both win.

// luaConsumeFileToken atomically fetches and deletes a file token.
//
// KEYS[1] = file token key
// Returns:
//   - 'NOT_FOUND' if the key does not exist (never issued, consumed, or expired by TTL)
//   - the stored JSON otherwise; the key is gone when the script returns
const luaConsumeFileToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaIncrementAttempts atomically increments a failure counter and slides its expiry.
//
// KEYS[1] = attempts key
// ARGV[1] = window in milliseconds
// Returns the post-increment count.
const luaIncrementAttempts = `
local count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return count
`

// luaGetAttempts reads a counter together with its remaining TTL.
//
// KEYS[1] = attempts key
// Returns {count, pttl_ms}; {0, 0} when the key is absent.
const luaGetAttempts = `
local count = redis.call('GET', KEYS[1])
if not count then
    return {0, 0}
end
return {tonumber(count), redis.call('PTTL', KEYS[1])}
`

// luaReplaceIfExists overwrites a key only while it still exists, with a new TTL.
//
// KEYS[1] = key
// ARGV[1] = value
// ARGV[2] = ttl in milliseconds
// Returns 1 when the key was replaced, 0 when it had vanished.
const luaReplaceIfExists = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// ============================================================
// Helper methods
// ============================================================

// isNilError reports whether err is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// validateToken rejects empty and oversized tokens before they reach the server
func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: token cannot be empty", storage.ErrInvalidInput)
	}
	if len(token) > MaxTokenLength {
		return errInputTooLarge
	}
	return nil
}

// keyTTL converts an absolute expiry into a key TTL. The key outlives the record by
// one second so that expiry decisions are always made on the stored timestamp.
func keyTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0
	}
	return ttl.Truncate(time.Millisecond) + time.Second
}
