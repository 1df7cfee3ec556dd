package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLifetime bounds how long a lock is held when the caller has no
// better estimate.
const DefaultLifetime = 24 * time.Hour

// ErrEmptyResource is returned when GetLock is called without a resource name.
var ErrEmptyResource = errors.New("latch: resource name required")

// Capabilities describes the behaviour a backend guarantees.
type Capabilities struct {
	// Timeout is true when GetLock honours the wait window.
	Timeout bool
	// Recursion is true when the same factory may stack acquisitions of one
	// resource. Each stacked Lock must be released individually.
	Recursion bool
	// AutoRelease is true when a lock abandoned by a dead process is
	// reclaimed without manual intervention.
	AutoRelease bool
	// Extend is true when ExtendLock can push the expiry forward.
	Extend bool
}

// Factory acquires and releases locks against one backing store. All
// implementations in this package are safe for concurrent use.
type Factory interface {
	// GetLock claims resource, retrying until wait elapses. A zero wait
	// makes a single attempt. A zero maxLifetime holds the lock until it is
	// released. Contention is reported as (nil, false, nil).
	GetLock(ctx context.Context, resource string, wait, maxLifetime time.Duration) (*Lock, bool, error)
	// ReleaseLock returns true when l is no longer held afterwards and false
	// when l had already been released.
	ReleaseLock(ctx context.Context, l *Lock) bool
	// ExtendLock moves the expiry of l to now+lifetime. Backends without the
	// Extend capability always return false.
	ExtendLock(ctx context.Context, l *Lock, lifetime time.Duration) bool
	// IsAvailable reports whether the backing store can be used right now.
	IsAvailable(ctx context.Context) bool
	// Capabilities reports the backend behaviour.
	Capabilities() Capabilities
	// ReleaseAll releases every lock held through this factory.
	ReleaseAll(ctx context.Context) error
	// Close releases every held lock and frees backend resources.
	Close() error
}

// Lock is one granted acquisition. It is valid until released.
type Lock struct {
	key   string
	token string
	owner *factory

	mu        sync.Mutex
	expiresAt time.Time

	released atomic.Bool
}

// Key returns the namespaced resource key, "component_resource".
func (l *Lock) Key() string {
	return l.key
}

// Token returns the ownership token written to the store.
func (l *Lock) Token() string {
	return l.token
}

// ExpiresAt returns when the store may reclaim the lock. The zero time means
// the lock never expires.
func (l *Lock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *Lock) setExpiry(t time.Time) {
	l.mu.Lock()
	l.expiresAt = t
	l.mu.Unlock()
}

// Released reports whether Release was already called on l.
func (l *Lock) Released() bool {
	return l.released.Load()
}

// Shared reports whether other handles from the same factory are stacked on
// the claim of l.
func (l *Lock) Shared() bool {
	if l == nil || l.owner == nil {
		return false
	}
	return l.owner.reg.Depth(l.key) > 1
}

// Release releases the lock through its factory.
func (l *Lock) Release(ctx context.Context) bool {
	if l == nil || l.owner == nil {
		return false
	}
	return l.owner.ReleaseLock(ctx, l)
}

// Extend extends the lock through its factory.
func (l *Lock) Extend(ctx context.Context, lifetime time.Duration) bool {
	if l == nil || l.owner == nil {
		return false
	}
	return l.owner.ExtendLock(ctx, l, lifetime)
}

func expiry(now time.Time, lifetime time.Duration) time.Time {
	if lifetime <= 0 {
		return time.Time{}
	}
	return now.Add(lifetime)
}
