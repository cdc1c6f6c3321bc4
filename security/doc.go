// Package security provides the security primitives of portal-auth: login lockout,
// request throttling, audit events, client IP derivation, anti-forgery tokens,
// random token generation, record encryption and response hardening.
//
// # Login Lockout
//
// LoginLimiter counts failed logins per source in a storage.AttemptStore. Sources
// are hashed with SourceKey before they are stored. Once MaxFailures is reached the
// source is locked until the rolling window passes. The increment is atomic in the
// store, so concurrent failures cannot slip past the threshold.
//
//	limiter := security.NewLoginLimiter(store, security.LockoutConfig{}, logger)
//	status, err := limiter.IsLocked(ctx, clientIP)
//	if status.Locked {
//	    // refuse without checking credentials; status.RetryAfter is the wait hint
//	}
//
// # Request Throttling
//
// RequestThrottle is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction that caps how fast a single address may hit the login endpoint.
//
// # Audit Events
//
// Auditor writes each event to the structured log with the actor hashed, then hands
// it to every registered AuditSink. Delivery is fire-and-forget.
//
// # Client IP
//
// GetClientIP and ClientIPResolver honour X-Forwarded-For and X-Real-IP only when
// the proxy is explicitly trusted. Results are normalized so IP binding compares
// canonical strings.
package security
