package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	uuidgen "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = time.Second

	releaseAllParallelism = 8
)

// backend is the store specific half of a factory. claim must be atomic:
// of several concurrent claims on one key at most one returns true.
type backend interface {
	claim(ctx context.Context, key, token string, lifetime time.Duration) (bool, error)
	// clear removes the claim on key only if it still carries token.
	clear(ctx context.Context, key, token string) error
	refresh(ctx context.Context, key, token string, lifetime time.Duration) (bool, error)
	ping(ctx context.Context) error
}

// factory implements the backend independent parts of Factory: key
// namespacing, the retry loop, bookkeeping and telemetry. Backend types
// embed it.
type factory struct {
	name      string
	component string
	caps      Capabilities
	be        backend
	reg       *Registry
	id        string

	bus        syncbus.Bus
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	closers    []func() error
	closeOnce  sync.Once
}

func newFactory(name, component string, caps Capabilities, be backend, o *options) (*factory, error) {
	if component == "" {
		return nil, fmt.Errorf("%w: %s lock factory needs a component", latcherrors.ErrInvalidConfig, name)
	}
	id, err := uuidgen.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &factory{
		name:       name,
		component:  component,
		caps:       caps,
		be:         be,
		reg:        NewRegistry(),
		id:         id,
		bus:        o.bus,
		logger:     o.logger.With("backend", name, "component", component),
		minBackoff: o.minBackoff,
		maxBackoff: o.maxBackoff,
		closers:    o.closers,
	}, nil
}

// Component returns the namespace prefix of every key.
func (f *factory) Component() string {
	return f.component
}

// Backend returns the backend name, e.g. "redis".
func (f *factory) Backend() string {
	return f.name
}

// ID identifies this factory instance in logs.
func (f *factory) ID() string {
	return f.id
}

// Registry exposes the locks currently held through this factory.
func (f *factory) Registry() *Registry {
	return f.reg
}

// Capabilities implements Factory.
func (f *factory) Capabilities() Capabilities {
	return f.caps
}

// IsAvailable implements Factory.
func (f *factory) IsAvailable(ctx context.Context) bool {
	if err := f.be.ping(ctx); err != nil {
		f.logger.Debug("latch: backend unavailable", "error", err)
		return false
	}
	return true
}

// Key returns the store key used for resource.
func (f *factory) Key(resource string) string {
	return f.component + "_" + resource
}

func (f *factory) backoff() time.Duration {
	span := f.maxBackoff - f.minBackoff
	if span <= 0 {
		return f.minBackoff
	}
	return f.minBackoff + rand.N(span+1)
}

// GetLock implements Factory.
func (f *factory) GetLock(ctx context.Context, resource string, wait, maxLifetime time.Duration) (*Lock, bool, error) {
	if resource == "" {
		return nil, false, ErrEmptyResource
	}
	if wait < 0 {
		wait = 0
	}
	if maxLifetime < 0 {
		maxLifetime = 0
	}
	key := f.Key(resource)

	ctx, span := tracer.Start(ctx, "lock.GetLock", trace.WithAttributes(
		attribute.String("latch.backend", f.name),
		attribute.String("latch.key", key),
		attribute.Int64("latch.wait_ms", wait.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	if f.caps.Recursion {
		if l := f.reg.stack(key, start, f); l != nil {
			f.acquired(span, l, start, true)
			return l, true, nil
		}
	}

	var wake <-chan struct{}
	if f.bus != nil && wait > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := f.bus.Subscribe(subCtx, syncbus.UnlockTopic(key))
		if err != nil {
			f.logger.Debug("latch: unlock notifications unavailable", "key", key, "error", err)
		} else {
			wake = ch
		}
	}

	token := uuid.NewString()
	deadline := start.Add(wait)
	for {
		ok, err := f.be.claim(ctx, key, token, maxLifetime)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return nil, false, fmt.Errorf("latch: claim %s: %w", key, err)
		}
		if ok {
			l := &Lock{key: key, token: token, owner: f, expiresAt: expiry(time.Now(), maxLifetime)}
			f.reg.add(l)
			f.acquired(span, l, start, false)
			return l, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.LockTimeouts.WithLabelValues(f.name).Inc()
			span.SetAttributes(attribute.Bool("latch.acquired", false))
			f.logger.Debug("latch: lock not acquired", "key", key, "waited", time.Since(start))
			return nil, false, nil
		}

		timer := time.NewTimer(min(f.backoff(), remaining))
		select {
		case <-timer.C:
		case _, open := <-wake:
			timer.Stop()
			if !open {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		}
	}
}

func (f *factory) acquired(span trace.Span, l *Lock, start time.Time, stacked bool) {
	waited := time.Since(start)
	span.SetAttributes(attribute.Bool("latch.acquired", true), attribute.Bool("latch.stacked", stacked))
	metrics.LockAcquired.WithLabelValues(f.name).Inc()
	metrics.LocksHeld.WithLabelValues(f.name).Inc()
	metrics.LockWait.WithLabelValues(f.name).Observe(waited.Seconds())
	f.logger.Debug("latch: lock acquired", "key", l.key, "waited", waited, "stacked", stacked)
}

// ReleaseLock implements Factory.
func (f *factory) ReleaseLock(ctx context.Context, l *Lock) bool {
	if l == nil || l.owner != f {
		return false
	}
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	err := f.reg.release(l, func() error {
		return f.be.clear(ctx, l.key, l.token)
	})
	if err != nil {
		// Leave the handle usable so the caller may retry.
		l.released.Store(false)
		f.logger.Warn("latch: release failed", "key", l.key, "error", err)
		return false
	}
	f.released(ctx, l.key, 1)
	return true
}

func (f *factory) released(ctx context.Context, key string, handles int) {
	metrics.LockReleased.WithLabelValues(f.name).Add(float64(handles))
	metrics.LocksHeld.WithLabelValues(f.name).Sub(float64(handles))
	if f.bus != nil {
		if err := f.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
			f.logger.Debug("latch: unlock notification failed", "key", key, "error", err)
		}
	}
	f.logger.Debug("latch: lock released", "key", key)
}

// ExtendLock implements Factory.
func (f *factory) ExtendLock(ctx context.Context, l *Lock, lifetime time.Duration) bool {
	if !f.caps.Extend || l == nil || l.owner != f || l.Released() {
		return false
	}
	if lifetime < 0 {
		lifetime = 0
	}
	ok, err := f.be.refresh(ctx, l.key, l.token, lifetime)
	if err != nil {
		f.logger.Warn("latch: extend failed", "key", l.key, "error", err)
		return false
	}
	if ok {
		f.reg.extend(l, expiry(time.Now(), lifetime))
	}
	return ok
}

// ReleaseAll implements Factory. Every drained claim is cleared even when
// some fail; the returned error joins all failures.
func (f *factory) ReleaseAll(ctx context.Context) error {
	held := f.reg.drain()
	if len(held) == 0 {
		return nil
	}
	f.logger.Info("latch: releasing held locks", "count", len(held))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(releaseAllParallelism)
	for key, e := range held {
		g.Go(func() error {
			for _, h := range e.handles {
				h.released.Store(true)
			}
			if err := f.be.clear(ctx, key, e.token); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("release %s: %w", key, err))
				mu.Unlock()
				return nil
			}
			f.released(ctx, key, len(e.handles))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close implements Factory.
func (f *factory) Close() error {
	var err error
	f.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs := []error{f.ReleaseAll(ctx)}
		for _, c := range f.closers {
			errs = append(errs, c())
		}
		err = errors.Join(errs...)
	})
	return err
}
