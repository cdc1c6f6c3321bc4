package security

import "time"

// IsExpiredAt reports whether a record with the given expiry is no longer valid at now.
// Expiry is strict: a record is expired from the instant it reaches expiresAt, and
// there is no clock-skew grace. A zero expiry is treated as already expired so records
// that were never given a lifetime cannot live forever.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !now.Before(expiresAt)
}

// Remaining returns how long until expiresAt, rounded up to whole seconds.
// It returns zero once the record has expired.
func Remaining(expiresAt, now time.Time) time.Duration {
	if IsExpiredAt(expiresAt, now) {
		return 0
	}
	d := expiresAt.Sub(now)
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
