// Package ratelimit provides a per-scope, per-client sliding fixed-window
// request throttle.
//
// The primary counter backend is persistent and transactional, so the
// limit holds across server instances. When that backend is unavailable
// the limiter degrades to a process-local in-memory counter with the same
// window logic, logging the downgrade once. The fallback trades
// cross-instance accuracy for availability.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Window is one fixed-window counter: the window start and the number of
// requests observed since.
type Window struct {
	Start time.Time
	Count int
}

// Store is the atomic counter contract. Hit applies the
// reset-or-increment rule for key and returns the count within the
// current window: if no window exists, or the existing one started
// longer ago than the window size, the counter resets to 1.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
}

// Limiter throttles requests keyed by (scope, client identity).
type Limiter struct {
	store    Store
	fallback Store
	appID    string
	window   time.Duration
	max      int
	logger   *slog.Logger
	now      func() time.Time

	warnOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the structured logger for the limiter.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the limiter clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithFallback overrides the degraded-mode counter backend. The default
// is a process-scoped in-memory store created once with the limiter and
// cleared only by window expiry.
func WithFallback(store Store) Option {
	return func(l *Limiter) { l.fallback = store }
}

// NewLimiter creates a Limiter with the given primary backend, deployment
// scope, and default window/maximum.
func NewLimiter(store Store, appID string, window time.Duration, maxRequests int, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		appID:  appID,
		window: window,
		max:    maxRequests,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == nil {
		l.fallback = NewMemoryStore()
	}
	return l
}

// Allow reports whether a request for scope from client is within the
// default per-window budget.
func (l *Limiter) Allow(ctx context.Context, scope, client string) bool {
	return l.AllowMax(ctx, scope, client, l.max)
}

// AllowMax is Allow with a per-call maximum. A non-positive max falls
// back to the limiter default.
func (l *Limiter) AllowMax(ctx context.Context, scope, client string, maxRequests int) bool {
	if maxRequests <= 0 {
		maxRequests = l.max
	}

	key := scope + ":" + client
	now := l.now()

	count, err := l.store.Hit(ctx, CounterKey(l.appID, key, maxRequests, l.window), l.window, now)
	if err != nil {
		l.warnOnce.Do(func() {
			l.logger.Warn("rate limit backend unavailable, falling back to in-memory limiter",
				slog.String("error", err.Error()),
			)
		})
		count, _ = l.fallback.Hit(ctx, key, l.window, now)
	}

	return count <= maxRequests
}

// CounterKey derives the persistent counter document ID. Hashing keeps
// client identities out of raw keys and separates counters that differ
// only by budget.
func CounterKey(appID, key string, maxRequests int, window time.Duration) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", appID, key, maxRequests, window.Milliseconds())))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is the process-local fixed-window counter used as the
// degraded-mode fallback and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

// Hit implements Store.
func (m *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.Start) > window {
		m.windows[key] = &Window{Start: now, Count: 1}
		return 1, nil
	}

	w.Count++
	return w.Count, nil
}
