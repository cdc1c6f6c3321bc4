package security

// Event type constants for security audit logging.
// These constants are the stable event names consumers of the audit stream filter on.
const (
	// Authentication events

	// EventLoginSuccess is logged when a login produces a session
	EventLoginSuccess = "login_success"

	// EventLoginFailure is logged when a login is rejected for any reason
	EventLoginFailure = "login_failure"

	// EventLogout is logged when a session is destroyed at the user's request
	EventLogout = "logout"

	// EventSessionIPMismatch is logged when a session is presented from an address other
	// than the one it was bound to. The session is dropped right after this event.
	EventSessionIPMismatch = "session_ip_mismatch"

	// Record access events

	// EventRecordViewed is logged when a decrypted record is returned to a user
	EventRecordViewed = "record_viewed"

	// EventRecordUpdated is logged when a record's status changes
	EventRecordUpdated = "record_updated"

	// EventRecordDeleted is logged when a record is removed
	EventRecordDeleted = "record_deleted"

	// EventFileDownloaded is logged when a record attachment is streamed through a file token
	EventFileDownloaded = "file_downloaded"

	// EventExportPerformed is logged when a record is exported; metadata carries the format
	EventExportPerformed = "export_performed"

	// Security violation events

	// EventSecurityError is logged for malformed or mismatched anti-forgery tokens and
	// similar request-level violations
	EventSecurityError = "security_error"

	// EventPermissionDenied is logged when a capability or tenant check fails
	EventPermissionDenied = "permission_denied"

	// EventRateLimitExceeded is logged when a source is throttled or locked out
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventDecryptionFailed is logged when a record cannot be decrypted
	EventDecryptionFailed = "decryption_failed"
)
