package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	portal "github.com/giantswarm/portal-auth"
	"github.com/giantswarm/portal-auth/instrumentation"
)

// envPrefix is prepended to every environment variable name
const envPrefix = "PORTAL_"

// Config is the runtime configuration of portald, read from PORTAL_* variables
type Config struct {
	Addr string `env:"ADDR,default=:8080"`

	// MetricsAddr serves /metrics on a separate listener. Empty serves it on Addr.
	MetricsAddr string `env:"METRICS_ADDR"`

	DatabaseURL    string `env:"DATABASE_URL"`
	ValkeyAddr     string `env:"VALKEY_ADDR"`
	ValkeyPassword string `env:"VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"VALKEY_DB,default=0"`
	NATSURL        string `env:"NATS_URL"`
	AuditSubject   string `env:"AUDIT_SUBJECT,default=portal.audit"`

	// EncryptionKey is the base64 AES-256 key records are sealed with
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	LegacyAccountsFile string `env:"LEGACY_ACCOUNTS_FILE"`
	LegacyUsername     string `env:"LEGACY_USERNAME"`
	LegacyPasswordHash string `env:"LEGACY_PASSWORD_HASH"`

	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT,default=60m"`
	DisableIPBinding  bool          `env:"DISABLE_IP_BINDING,default=false"`
	CookieName        string        `env:"COOKIE_NAME,default=portal_session"`
	CookieDomain      string        `env:"COOKIE_DOMAIN"`
	CookieSameSite    string        `env:"COOKIE_SAMESITE,default=Lax"`
	CookieSecure      bool          `env:"COOKIE_SECURE,default=false"`
	TrustProxy        bool          `env:"TRUST_PROXY,default=false"`
	TrustedProxyCount int           `env:"TRUSTED_PROXY_COUNT,default=1"`
	MaxFailures       int           `env:"LOGIN_MAX_FAILURES,default=5"`
	LockoutWindow     time.Duration `env:"LOGIN_LOCKOUT_WINDOW,default=15m"`
	LoginRate         float64       `env:"LOGIN_RATE,default=5"`
	LoginBurst        int           `env:"LOGIN_BURST,default=10"`
	FileTokenTTL      time.Duration `env:"FILE_TOKEN_TTL,default=5m"`
	AuditLogging      bool          `env:"AUDIT_LOGGING,default=true"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	MetricsExporter string `env:"METRICS_EXPORTER,default=none"`
	TracesExporter  string `env:"TRACES_EXPORTER,default=none"`
	OTLPEndpoint    string `env:"OTLP_ENDPOINT"`
	LogClientIPs    bool   `env:"LOG_CLIENT_IPS,default=false"`
}

// loadConfig reads the configuration through lookuper. A nil lookuper reads the
// process environment.
func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(envPrefix, lookuper),
	}); err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// portalConfig converts the environment configuration into the library configuration
func (c Config) portalConfig(logger *slog.Logger) *portal.Config {
	return &portal.Config{
		Session: portal.SessionConfig{
			Timeout:          c.SessionTimeout,
			DisableIPBinding: c.DisableIPBinding,
		},
		Cookie: portal.CookieConfig{
			Name:     c.CookieName,
			Domain:   c.CookieDomain,
			SameSite: c.CookieSameSite,
			Secure:   c.CookieSecure,
		},
		Proxy: portal.ProxyConfig{
			TrustProxy:        c.TrustProxy,
			TrustedProxyCount: c.TrustedProxyCount,
		},
		RateLimit: portal.RateLimitConfig{
			MaxFailures:       c.MaxFailures,
			Window:            c.LockoutWindow,
			RequestsPerSecond: c.LoginRate,
			Burst:             c.LoginBurst,
		},
		FileToken: portal.FileTokenConfig{
			TTL: c.FileTokenTTL,
		},
		DisableAuditLogging: !c.AuditLogging,
		Logger:              logger,
	}
}

func (c Config) instrumentationConfig(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:     instrumentation.DefaultServiceName,
		ServiceVersion:  version,
		Enabled:         c.MetricsExporter != instrumentation.ExporterNone || c.TracesExporter != instrumentation.ExporterNone,
		MetricsExporter: c.MetricsExporter,
		TracesExporter:  c.TracesExporter,
		OTLPEndpoint:    c.OTLPEndpoint,
		LogClientIPs:    c.LogClientIPs,
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be json or text", format)
	}
}
