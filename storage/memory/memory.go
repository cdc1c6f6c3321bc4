package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/internal/util"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often the sweeper drops expired records
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
// It implements SessionStore, FileTokenStore and AttemptStore.
type Store struct {
	mu sync.RWMutex

	sessions   map[string]*storage.Session        // session token -> session
	fileTokens map[string]*storage.FileToken      // file token -> binding
	attempts   map[string]*storage.AttemptCounter // hashed source key -> counter

	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	sessionsCountAtomic   atomic.Int64
	fileTokensCountAtomic atomic.Int64
	attemptsCountAtomic   atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.FileTokenStore = (*Store)(nil)
	_ storage.AttemptStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		sessions:        make(map[string]*storage.Session),
		fileTokens:      make(map[string]*storage.FileToken),
		attempts:        make(map[string]*storage.AttemptCounter),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountsLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.fileTokensCountAtomic.Load() },
			func() int64 { return s.attemptsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores a copy of session under token, expiring ttl from now
func (s *Store) SaveSession(ctx context.Context, token string, session *storage.Session, ttl time.Duration) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if token == "" {
		err = fmt.Errorf("%w: token cannot be empty", storage.ErrInvalidInput)
		return err
	}
	if session == nil {
		err = fmt.Errorf("%w: session cannot be nil", storage.ErrInvalidInput)
		return err
	}
	if ttl <= 0 {
		err = fmt.Errorf("%w: ttl must be positive", storage.ErrInvalidInput)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := session.Clone()
	stored.Token = token
	stored.ExpiresAt = s.now().Add(ttl)
	s.sessions[token] = stored
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	s.logger.Debug("Saved session",
		"session_id", stored.ID,
		"expires_at", stored.ExpiresAt)
	return nil
}

// GetSession returns a copy of the live session for token
func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok || security.IsExpiredAt(session.ExpiresAt, s.now()) {
		// Expired entries are left for the sweeper; they are invisible here
		return nil, storage.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// TouchSession extends the session expiry to now+ttl
func (s *Store) TouchSession(ctx context.Context, token string, ttl time.Duration) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "touch_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "touch_session", err, startTime)
	}()

	if ttl <= 0 {
		err = fmt.Errorf("%w: ttl must be positive", storage.ErrInvalidInput)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session, ok := s.sessions[token]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if security.IsExpiredAt(session.ExpiresAt, now) {
		delete(s.sessions, token)
		s.sessionsCountAtomic.Store(int64(len(s.sessions)))
		return nil, storage.ErrSessionNotFound
	}

	session.ExpiresAt = now.Add(ttl)
	return session.Clone(), nil
}

// DeleteSession removes a session. Missing tokens are ignored.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_session", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[token]; ok {
		delete(s.sessions, token)
		s.sessionsCountAtomic.Store(int64(len(s.sessions)))
		s.logger.Debug("Deleted session", "session_id", session.ID)
	}
	return nil
}

// ============================================================
// FileTokenStore Implementation
// ============================================================

// SaveFileToken stores a single-use file token
func (s *Store) SaveFileToken(ctx context.Context, token string, fileToken *storage.FileToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_file_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_file_token", err, startTime)
	}()

	if token == "" {
		err = fmt.Errorf("%w: token cannot be empty", storage.ErrInvalidInput)
		return err
	}
	if fileToken == nil {
		err = fmt.Errorf("%w: file token cannot be nil", storage.ErrInvalidInput)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *fileToken
	s.fileTokens[token] = &stored
	s.fileTokensCountAtomic.Store(int64(len(s.fileTokens)))

	s.logger.Debug("Saved file token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength),
		"expires_at", stored.ExpiresAt)
	return nil
}

// ConsumeFileToken atomically looks up and deletes a file token.
// The token is removed whether or not it has expired, so it can never be retried.
func (s *Store) ConsumeFileToken(ctx context.Context, token string) (*storage.FileToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_file_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_file_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-delete
	defer s.mu.Unlock()

	fileToken, ok := s.fileTokens[token]
	if !ok {
		err = storage.ErrFileTokenNotFound
		return nil, err
	}

	delete(s.fileTokens, token)
	s.fileTokensCountAtomic.Store(int64(len(s.fileTokens)))

	if security.IsExpiredAt(fileToken.ExpiresAt, s.now()) {
		err = fmt.Errorf("%w: file token expired", storage.ErrTokenExpired)
		return nil, err
	}

	s.logger.Debug("Consumed file token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))

	consumed := *fileToken
	return &consumed, nil
}

// ============================================================
// AttemptStore Implementation
// ============================================================

// IncrementAttempts atomically bumps the counter for key and slides its expiry
func (s *Store) IncrementAttempts(ctx context.Context, key string, window time.Duration) (*storage.AttemptCounter, error) {
	ctx, span := s.startStorageSpan(ctx, "increment_attempts")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "increment_attempts", err, startTime)
	}()

	if key == "" {
		err = fmt.Errorf("%w: key cannot be empty", storage.ErrInvalidInput)
		return nil, err
	}
	if window <= 0 {
		err = fmt.Errorf("%w: window must be positive", storage.ErrInvalidInput)
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic increment-and-read
	defer s.mu.Unlock()

	now := s.now()
	counter, ok := s.attempts[key]
	if !ok || security.IsExpiredAt(counter.ExpiresAt, now) {
		counter = &storage.AttemptCounter{Key: key}
		s.attempts[key] = counter
		s.attemptsCountAtomic.Store(int64(len(s.attempts)))
	}

	counter.Count++
	counter.ExpiresAt = now.Add(window)

	result := *counter
	return &result, nil
}

// GetAttempts returns the live counter for key, or a zero counter
func (s *Store) GetAttempts(ctx context.Context, key string) (*storage.AttemptCounter, error) {
	ctx, span := s.startStorageSpan(ctx, "get_attempts")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_attempts", nil, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	counter, ok := s.attempts[key]
	if !ok || security.IsExpiredAt(counter.ExpiresAt, s.now()) {
		return &storage.AttemptCounter{Key: key}, nil
	}

	result := *counter
	return &result, nil
}

// ResetAttempts drops the counter for key
func (s *Store) ResetAttempts(ctx context.Context, key string) error {
	ctx, span := s.startStorageSpan(ctx, "reset_attempts")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "reset_attempts", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, key)
	s.attemptsCountAtomic.Store(int64(len(s.attempts)))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired records
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops every expired session, file token and attempt counter
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for token, session := range s.sessions {
		if security.IsExpiredAt(session.ExpiresAt, now) {
			delete(s.sessions, token)
			cleaned++
		}
	}

	for token, fileToken := range s.fileTokens {
		if security.IsExpiredAt(fileToken.ExpiresAt, now) {
			delete(s.fileTokens, token)
			cleaned++
		}
	}

	for key, counter := range s.attempts {
		if security.IsExpiredAt(counter.ExpiresAt, now) {
			delete(s.attempts, key)
			cleaned++
		}
	}

	s.syncCountsLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// syncCountsLocked refreshes the gauge counters. Caller must hold s.mu.
func (s *Store) syncCountsLocked() {
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.fileTokensCountAtomic.Store(int64(len(s.fileTokens)))
	s.attemptsCountAtomic.Store(int64(len(s.attempts)))
}

// ============================================================
// Instrumentation helpers
// ============================================================

// instrumentationSnapshot reads the instrumentation fields set by SetInstrumentation.
// Callers must not hold s.mu.
func (s *Store) instrumentationSnapshot() (*instrumentation.Instrumentation, trace.Tracer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instrumentation, s.tracer
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	_, tracer := s.instrumentationSnapshot()
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	inst, _ := s.instrumentationSnapshot()
	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
