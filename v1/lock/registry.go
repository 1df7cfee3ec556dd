package lock

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	token   string
	expires time.Time
	// handles holds every Lock stacked on this key; it has more than one
	// element only on recursive backends.
	handles []*Lock
	// releasing is set while the store claim is being cleared.
	releasing bool
}

func (e *entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// Registry tracks the locks held by one factory so they can be released
// together. Each entry maps a key to its expiry and stacked handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Len returns the number of held keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the held keys in lexical order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Expiry returns the recorded expiry of key.
func (r *Registry) Expiry(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.expires, true
}

// Depth returns how many handles are stacked on key.
func (r *Registry) Depth(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return len(e.handles)
	}
	return 0
}

// add records a freshly claimed lock, replacing an entry whose claim the
// store has already expired.
func (r *Registry) add(l *Lock) {
	r.mu.Lock()
	r.entries[l.key] = &entry{token: l.token, expires: l.ExpiresAt(), handles: []*Lock{l}}
	r.mu.Unlock()
}

// stack returns a new handle sharing the live claim on key, or nil when the
// key is not held.
func (r *Registry) stack(key string, now time.Time, owner *factory) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.releasing || !e.live(now) {
		return nil
	}
	l := &Lock{key: key, token: e.token, owner: owner, expiresAt: e.expires}
	e.handles = append(e.handles, l)
	return l
}

// release drops handle l. When l is the last handle of a tracked claim, or
// the claim is not tracked at all, clear is invoked without holding the
// registry lock. The entry is marked releasing meanwhile so stack cannot
// join a claim that is going away.
func (r *Registry) release(l *Lock, clear func() error) error {
	r.mu.Lock()
	e, ok := r.entries[l.key]
	if !ok || e.token != l.token {
		r.mu.Unlock()
		return clear()
	}
	if len(e.handles) > 1 {
		for i, h := range e.handles {
			if h == l {
				e.handles = append(e.handles[:i], e.handles[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return nil
	}
	e.releasing = true
	r.mu.Unlock()

	err := clear()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[l.key] != e {
		return err
	}
	if err != nil {
		e.releasing = false
		return err
	}
	delete(r.entries, l.key)
	return nil
}

// extend records a new expiry for every handle sharing l's claim.
func (r *Registry) extend(l *Lock, expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[l.key]
	if !ok || e.token != l.token {
		l.setExpiry(expires)
		return
	}
	e.expires = expires
	for _, h := range e.handles {
		h.setExpiry(expires)
	}
}

// drain empties the registry and returns what it held.
func (r *Registry) drain() map[string]*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = make(map[string]*entry)
	return out
}
