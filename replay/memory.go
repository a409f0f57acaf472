// Package replay guards against the same integrity token being verified
// more than once.
//
// A token is consumed the first time it is seen and rejected on every later
// attempt until its entry expires. The TTL should be at least as long as
// the maximum token age accepted by the verifier.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Guard records consumed keys.
type Guard interface {
	// Consume marks key as used. It returns false if key was already
	// consumed and has not expired.
	Consume(ctx context.Context, key string) (bool, error)

	// Close stops background cleanup routines.
	Close()
}

// ErrEmptyKey is returned when consuming an empty key.
var ErrEmptyKey = errors.New("replay key must not be empty")

// Config holds configuration for the memory guard.
type Config struct {
	// TTL is how long a consumed key is remembered (default: 10 minutes).
	TTL time.Duration

	// CleanupInterval is how often expired keys are removed (default: 1 minute).
	CleanupInterval time.Duration
}

// MemoryGuard is an in-memory implementation of Guard.
// Suitable for single-instance deployments. For distributed systems,
// use RedisGuard.
type MemoryGuard struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	closeCh chan struct{}
	closed  bool
}

// NewMemoryGuard creates a new in-memory replay guard.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	g := &MemoryGuard{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		closeCh: make(chan struct{}),
	}

	go g.cleanupLoop(cleanupInterval)

	return g
}

// Consume marks key as used.
func (g *MemoryGuard) Consume(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := g.seen[key]; ok && now.Before(expiresAt) {
		return false, nil
	}

	g.seen[key] = now.Add(g.ttl)
	return true, nil
}

// Close stops the background cleanup goroutine.
func (g *MemoryGuard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	close(g.closeCh)
}

func (g *MemoryGuard) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.closeCh:
			return
		}
	}
}

func (g *MemoryGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, expiresAt := range g.seen {
		if now.After(expiresAt) {
			delete(g.seen, key)
		}
	}
}

// Len returns the number of remembered keys (for testing/monitoring).
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
