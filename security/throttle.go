package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleMaxEntries bounds the number of identifiers tracked at once
	DefaultThrottleMaxEntries = 10000

	throttleCleanupInterval = 5 * time.Minute
	throttleIdleTimeout     = 30 * time.Minute
)

// throttleEntry tracks a token bucket and its last access time
type throttleEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RequestThrottle limits request rate per identifier (normally the client IP) with a
// token bucket. It sits in front of the login lockout and caps how fast any single
// source can even attempt credentials. Least recently used identifiers are evicted
// once MaxEntries is reached.
type RequestThrottle struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
}

// NewRequestThrottle creates a throttle allowing requestsPerSecond with the given burst.
// A non-positive requestsPerSecond disables throttling; Allow then always returns true.
func NewRequestThrottle(requestsPerSecond float64, burst int, logger *slog.Logger) *RequestThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}

	t := &RequestThrottle{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(requestsPerSecond),
		burst:       burst,
		maxEntries:  DefaultThrottleMaxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	if requestsPerSecond > 0 {
		go t.cleanupLoop()
	}
	return t
}

// Enabled reports whether the throttle limits anything
func (t *RequestThrottle) Enabled() bool {
	return t != nil && t.limit > 0
}

// Allow reports whether one more request from identifier may proceed now
func (t *RequestThrottle) Allow(identifier string) bool {
	if !t.Enabled() {
		return true
	}

	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[identifier]; ok {
		t.lru.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		t.evictOldest()
	}

	entry := &throttleEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(t.limit, t.burst),
		lastAccess: now,
	}
	t.entries[identifier] = t.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used identifier. Caller holds t.mu.
func (t *RequestThrottle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.identifier)
	t.lru.Remove(elem)
	t.evictions++

	t.logger.Debug("Request throttle LRU eviction",
		"total_evictions", t.evictions,
		"current_entries", len(t.entries))
}

func (t *RequestThrottle) cleanupLoop() {
	ticker := time.NewTicker(throttleCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup(throttleIdleTimeout)
		case <-t.stopCleanup:
			return
		}
	}
}

// Cleanup removes identifiers idle for longer than maxIdle
func (t *RequestThrottle) Cleanup(maxIdle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0

	// Oldest entries are at the back; stop at the first one still active
	for elem := t.lru.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(t.entries, entry.identifier)
		t.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.logger.Debug("Request throttle cleanup completed",
			"removed", removed,
			"remaining", len(t.entries))
	}
}

// Len returns the number of tracked identifiers
func (t *RequestThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop stops the background cleanup. It is safe to call more than once.
func (t *RequestThrottle) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stopCleanup) })
}
