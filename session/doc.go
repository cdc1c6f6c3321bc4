// Package session manages the lifecycle of portal sessions.
//
// A session is created after a successful login and identified by an opaque,
// high-entropy token. Every verified request slides its expiry forward. When IP
// binding is enabled (the default), a session presented from an address other than
// the one it was created from is destroyed on the spot and reported as a hijack
// attempt.
//
// States:
//
//	ACTIVE -> verify -> ACTIVE (expiry extended)
//	ACTIVE -> expiry | logout | ip mismatch -> absent
//
// Every terminal state is simply "absent from the store". Callers cannot tell an
// expired session from a token that never existed; both produce ErrNotAuthenticated.
package session
