// Package valkey provides a Valkey storage backend for portal-auth.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements every storage interface, making it suitable for
// deployments that run more than one portal instance behind a load balancer and
// need sessions, file tokens and lockout counters to be shared between them.
//
// # Implemented Interfaces
//
//   - [storage.SessionStore]: sliding-TTL sessions
//   - [storage.FileTokenStore]: single-use file-access tokens
//   - [storage.AttemptStore]: failed login counters
//
// # Key Schema
//
// All keys use a configurable prefix (default "portal:"). Session and file tokens
// are stored under their SHA-256 digest, never in the clear:
//
//	{prefix}session:{sha256(token)}     -> JSON(Session) (TTL = sliding timeout)
//	{prefix}filetoken:{sha256(token)}   -> JSON(FileToken) (TTL = fixed lifetime)
//	{prefix}attempts:{hashedSource}     -> count (TTL = lockout window)
//
// # Atomic Operations
//
// File token consumption and attempt counting use Lua scripts so that only one
// caller can redeem a token and every failure is counted exactly once, across
// all instances sharing the Valkey server.
//
// # Testing
//
// Integration tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are
// skipped when no server is reachable.
package valkey
