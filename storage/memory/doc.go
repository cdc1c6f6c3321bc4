// Package memory provides an in-memory implementation of the portal-auth storage interfaces.
//
// This package implements SessionStore, FileTokenStore and AttemptStore using Go maps
// guarded by a single sync.RWMutex. It is suitable for development, testing, and
// single-instance deployments where sessions need not survive a restart.
//
// Features:
//   - Atomic file-token consumption and attempt counting under the write lock
//   - Strict expiry: expired records are invisible to readers immediately
//   - Background sweeper that drops expired records at a configurable interval
//   - Storage size gauges via SetInstrumentation
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	sessions := session.NewManager(store, auditor, session.Config{}, logger)
package memory
