package portal

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/portal-auth/filetoken"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/session"
)

// Default configuration values
const (
	DefaultCookieName        = "portal_session"
	DefaultCookiePath        = "/"
	DefaultSameSite          = "Lax"
	DefaultTrustedProxyCount = 1

	// DefaultRequestsPerSecond and DefaultBurst shape the login request throttle
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 10
)

// Config holds portal configuration
type Config struct {
	Session   SessionConfig
	Cookie    CookieConfig
	Proxy     ProxyConfig
	RateLimit RateLimitConfig
	FileToken FileTokenConfig

	// DisableAuditLogging stops audit events from being written to the log. Audit
	// sinks added with Server.AddAuditSink still receive every event. (default: false)
	DisableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// SessionConfig configures session lifetime and binding
type SessionConfig struct {
	// Timeout is the sliding idle timeout (default 60m, never below 5m)
	Timeout time.Duration

	// DisableIPBinding turns off the check that a session is used from the address
	// it was created on. Binding is on by default.
	DisableIPBinding bool
}

// CookieConfig configures the session cookie
type CookieConfig struct {
	// Name of the session cookie (default "portal_session")
	Name string

	// Path of the session cookie (default "/")
	Path string

	// Domain of the session cookie (optional)
	Domain string

	// SameSite is "Strict", "Lax" or "None" (default "Lax").
	// "None" is only honoured for secure cookies and falls back to "Lax" otherwise.
	SameSite string

	// Secure forces the Secure attribute even when the request did not arrive over TLS
	Secure bool
}

// ProxyConfig controls how the client address is derived
type ProxyConfig struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP handling.
	// Only enable behind a reverse proxy you control.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the service (default 1).
	// The client is the TrustedProxyCount-th X-Forwarded-For entry from the right.
	TrustedProxyCount int
}

// RateLimitConfig configures login lockout and the login request throttle
type RateLimitConfig struct {
	// MaxFailures is the number of failed logins per source that triggers a lockout (default 5)
	MaxFailures int

	// Window is the rolling lockout window (default 15m)
	Window time.Duration

	// RequestsPerSecond is the per-IP token bucket rate on the login endpoint (default 5).
	// A negative value disables the throttle.
	RequestsPerSecond float64

	// Burst is the token bucket size (default 10)
	Burst int
}

// FileTokenConfig configures file-access tokens
type FileTokenConfig struct {
	// TTL is the fixed lifetime of a file token (default 5m)
	TTL time.Duration
}

// applySecureDefaults fills zero values with secure defaults and warns about
// settings that weaken the deployment.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if config.Session.Timeout <= 0 {
		config.Session.Timeout = session.DefaultTimeout
	}
	if config.Session.Timeout < session.MinimumTimeout {
		logger.Warn("Session timeout below minimum, clamping",
			"configured", config.Session.Timeout,
			"minimum", session.MinimumTimeout)
		config.Session.Timeout = session.MinimumTimeout
	}
	if config.Session.DisableIPBinding {
		logger.Warn("SECURITY WARNING: session IP binding is disabled",
			"risk", "a stolen session cookie can be replayed from any address")
	}

	if config.Cookie.Name == "" {
		config.Cookie.Name = DefaultCookieName
	}
	if config.Cookie.Path == "" {
		config.Cookie.Path = DefaultCookiePath
	}
	if config.Cookie.SameSite == "" {
		config.Cookie.SameSite = DefaultSameSite
	}
	if strings.EqualFold(config.Cookie.SameSite, "none") && !config.Cookie.Secure {
		logger.Warn("SameSite=None requires secure cookies, falling back to Lax")
		config.Cookie.SameSite = DefaultSameSite
	}

	if config.Proxy.TrustedProxyCount <= 0 {
		config.Proxy.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if config.Proxy.TrustProxy {
		logger.Warn("SECURITY WARNING: trusting proxy headers for client IP",
			"trusted_proxy_count", config.Proxy.TrustedProxyCount,
			"risk", "clients can spoof their address unless every request passes through your proxy")
	}

	if config.RateLimit.MaxFailures <= 0 {
		config.RateLimit.MaxFailures = security.DefaultMaxFailures
	}
	if config.RateLimit.Window <= 0 {
		config.RateLimit.Window = security.DefaultLockoutWindow
	}
	if config.RateLimit.RequestsPerSecond == 0 {
		config.RateLimit.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = DefaultBurst
	}

	if config.FileToken.TTL <= 0 {
		config.FileToken.TTL = filetoken.DefaultTTL
	}

	if config.DisableAuditLogging {
		logger.Warn("SECURITY WARNING: audit log output is disabled",
			"note", "registered audit sinks still receive events")
	}

	return config
}

// Validate checks the configuration for values that cannot be defaulted
func (c *Config) Validate() error {
	switch strings.ToLower(c.Cookie.SameSite) {
	case "", "strict", "lax", "none":
	default:
		return fmt.Errorf("invalid cookie SameSite %q: must be Strict, Lax or None", c.Cookie.SameSite)
	}
	if strings.ContainsAny(c.Cookie.Name, " ;=,\t\r\n") {
		return fmt.Errorf("invalid cookie name %q", c.Cookie.Name)
	}
	if c.Proxy.TrustedProxyCount < 0 {
		return fmt.Errorf("trusted proxy count must not be negative")
	}
	if c.RateLimit.MaxFailures < 0 {
		return fmt.Errorf("max failures must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("burst must not be negative")
	}
	return nil
}

// sameSite returns the cookie SameSite mode for a request. secure reports whether
// the cookie is marked Secure; None is never emitted without it.
func (c CookieConfig) sameSite(secure bool) http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		if secure {
			return http.SameSiteNoneMode
		}
		return http.SameSiteLaxMode
	default:
		return http.SameSiteLaxMode
	}
}
