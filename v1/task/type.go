package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Type identifies a class of adhoc task. Types are only compared for
// equality; they carry no behaviour of their own.
type Type string

// Handler runs one adhoc task.
type Handler func(ctx context.Context, rec Record) error

// LimitFunc returns the concurrency limit of a task type.
type LimitFunc func(Type) int

type registration struct {
	limit   int
	handler Handler
}

// Registry maps task types to their handler and concurrency limit. Types
// registered without a limit use the registry default.
type Registry struct {
	mu           sync.RWMutex
	defaultLimit int
	types        map[Type]registration
}

// NewRegistry returns a Registry whose default concurrency limit is
// defaultLimit, which must be at least 1.
func NewRegistry(defaultLimit int) (*Registry, error) {
	if defaultLimit < 1 {
		return nil, fmt.Errorf("%w: default limit %d", latcherrors.ErrInvalidLimit, defaultLimit)
	}
	return &Registry{defaultLimit: defaultLimit, types: make(map[Type]registration)}, nil
}

// Register adds t. A zero limit keeps a limit set earlier through SetLimit,
// falling back to the default limit.
func (r *Registry) Register(t Type, h Handler, limit int) error {
	if t == "" {
		return latcherrors.ErrInvalidTaskType
	}
	if limit < 0 {
		return fmt.Errorf("%w: %s limit %d", latcherrors.ErrInvalidLimit, t, limit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit == 0 {
		limit = r.types[t].limit
	}
	r.types[t] = registration{limit: limit, handler: h}
	return nil
}

// SetLimit overrides the limit of t without touching its handler.
func (r *Registry) SetLimit(t Type, limit int) error {
	if t == "" {
		return latcherrors.ErrInvalidTaskType
	}
	if limit < 1 {
		return fmt.Errorf("%w: %s limit %d", latcherrors.ErrInvalidLimit, t, limit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.types[t]
	reg.limit = limit
	r.types[t] = reg
	return nil
}

// Limit returns the concurrency limit of t.
func (r *Registry) Limit(t Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.types[t]; ok && reg.limit > 0 {
		return reg.limit
	}
	return r.defaultLimit
}

// Handler returns the handler registered for t.
func (r *Registry) Handler(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[t]
	if !ok || reg.handler == nil {
		return nil, false
	}
	return reg.handler, true
}

// Types returns the registered types in lexical order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
