package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	portal "github.com/giantswarm/portal-auth"
	"github.com/giantswarm/portal-auth/audit/natssink"
	"github.com/giantswarm/portal-auth/credentials"
	credpg "github.com/giantswarm/portal-auth/credentials/postgres"
	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/records"
	recpg "github.com/giantswarm/portal-auth/records/postgres"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage/memory"
	"github.com/giantswarm/portal-auth/storage/valkey"
)

const shutdownTimeout = 15 * time.Second

// app is a fully wired portal with everything that must be released on exit
type app struct {
	server  *portal.Server
	handler http.Handler
	metrics http.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the portal HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, nil)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return serve(ctx, cfg, a, logger)
		},
	}
}

// buildApp wires storage, credentials, records and audit sinks according to cfg
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	inst, err := instrumentation.New(cfg.instrumentationConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	})
	a.metrics = inst.MetricsHandler()

	store, err := openStore(cfg, inst, logger, a)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach database: %w", err)
		}
	}

	chain, err := buildCredentialChain(cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	recordService, err := buildRecordService(cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	srv, err := portal.NewServer(store, chain, recordService, cfg.portalConfig(logger), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, srv.Close)
	srv.SetInstrumentation(inst)

	if cfg.NATSURL != "" {
		sink, err := natssink.Connect(cfg.NATSURL, cfg.AuditSubject)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit sink: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		srv.AddAuditSink(sink)
		logger.Info("Publishing audit events to NATS", "subject", cfg.AuditSubject)
	}

	a.server = srv
	a.handler = portal.NewHandler(srv, logger).Routes()
	ok = true
	return a, nil
}

func openStore(cfg Config, inst *instrumentation.Instrumentation, logger *slog.Logger, a *app) (portal.Store, error) {
	if cfg.ValkeyAddr != "" {
		store, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		logger.Info("Using valkey session storage", "address", cfg.ValkeyAddr)
		return store, nil
	}

	store := memory.New()
	store.SetLogger(logger)
	store.SetInstrumentation(inst)
	a.closers = append(a.closers, store.Stop)
	logger.Warn("Using in-memory session storage; sessions are lost on restart and not shared between replicas")
	return store, nil
}

// buildCredentialChain assembles the credential tiers that are configured.
// The primary tier is always present; it is empty without a database.
func buildCredentialChain(cfg Config, pool *pgxpool.Pool, logger *slog.Logger) (*credentials.Chain, error) {
	var repo credentials.AccountRepository
	if pool != nil {
		repo = credpg.NewAccountRepository(pool)
	} else {
		repo = credentials.NewMemoryRepository()
	}
	sources := []credentials.Source{credentials.NewPrimary(repo)}

	if cfg.LegacyAccountsFile != "" {
		legacy, err := credentials.LoadLegacyMulti(cfg.LegacyAccountsFile)
		if err != nil {
			return nil, err
		}
		sources = append(sources, legacy)
		logger.Info("Loaded legacy accounts", "count", legacy.Len())
	}

	if cfg.LegacyUsername != "" {
		if cfg.LegacyPasswordHash == "" {
			return nil, errors.New("legacy username configured without a password hash")
		}
		sources = append(sources, credentials.NewLegacySingle(cfg.LegacyUsername, cfg.LegacyPasswordHash))
		logger.Warn("Legacy single-account login is enabled; it grants every capability across all tenants")
	}

	return credentials.NewChain(logger, sources...), nil
}

func buildRecordService(cfg Config, pool *pgxpool.Pool, logger *slog.Logger) (*records.Service, error) {
	var key []byte
	var err error
	if cfg.EncryptionKey != "" {
		key, err = security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	} else {
		if pool != nil {
			return nil, errors.New("an encryption key is required when a database is configured")
		}
		key, err = security.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("No encryption key configured, using an ephemeral key")
	}

	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, err
	}

	var source records.Source
	if pool != nil {
		source = recpg.NewSource(pool)
	} else {
		source = records.NewMemorySource()
	}
	return records.NewService(source, records.DecrypterFunc(enc.Open), logger), nil
}

// serve runs the HTTP listeners until ctx is cancelled
func serve(ctx context.Context, cfg Config, a *app, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", a.handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	servers := []*http.Server{}
	if a.metrics != nil {
		if cfg.MetricsAddr == "" {
			mux.Handle("GET /metrics", a.metrics)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("GET /metrics", a.metrics)
			servers = append(servers, newHTTPServer(cfg.MetricsAddr, metricsMux))
		}
	}
	servers = append(servers, newHTTPServer(cfg.Addr, mux))

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("Listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener %s: %w", s.Addr, err)
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", "addr", s.Addr, "error", err)
		}
	}
	return runErr
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
