// Package storage provides interfaces and shared record types for session persistence.
//
// The storage package defines the core storage interfaces used throughout portal-auth:
//   - SessionStore: opaque-token keyed sessions with a sliding TTL
//   - FileTokenStore: single-use file-access tokens with a fixed TTL
//   - AttemptStore: failed login counters keyed by a hashed source identity
//
// Two operations are required to be atomic in every implementation: consuming a file
// token (check-and-delete) and incrementing an attempt counter (increment-and-read).
// Everything else is scoped to a single key and may be last-write-wins.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage with a background sweeper
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
