package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var (
	// ErrNotFound is returned when a task id is unknown to the store.
	ErrNotFound = errors.New("latch: task not found")
	// ErrNotPending is returned by MarkRunning when the task is gone, already
	// running or not yet due.
	ErrNotPending = errors.New("latch: task not pending")
)

// Store persists the adhoc task queue.
type Store interface {
	// Enqueue appends a task due at runAt and returns it with its id.
	Enqueue(ctx context.Context, t Type, payload []byte, runAt time.Time) (Record, error)
	// Pending returns up to max tasks that are due at now and not running,
	// ordered by id. A max of zero means no limit.
	Pending(ctx context.Context, now time.Time, max int) ([]Record, error)
	// MarkRunning claims a pending task for worker. It fails with
	// ErrNotPending unless the task is idle and due at the given time.
	MarkRunning(ctx context.Context, id int64, worker string, at time.Time) error
	// Complete removes a finished task.
	Complete(ctx context.Context, id int64) error
	// Fail returns a task to the queue, due again at next.
	Fail(ctx context.Context, id int64, next time.Time) error
	// Reset releases the worker claim on a task without counting an
	// attempt, leaving it due at its current next run time.
	Reset(ctx context.Context, id int64) error
	// Running returns the tasks currently claimed by a worker.
	Running(ctx context.Context) ([]Record, error)
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]Record
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[int64]Record), now: time.Now}
}

// Enqueue implements Store.Enqueue.
func (s *MemoryStore) Enqueue(ctx context.Context, t Type, payload []byte, runAt time.Time) (Record, error) {
	if t == "" {
		return Record{}, latcherrors.ErrInvalidTaskType
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := Record{
		ID:        s.nextID,
		Type:      t,
		Payload:   append([]byte(nil), payload...),
		NextRunAt: runAt,
		CreatedAt: s.now(),
	}
	s.items[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) sorted(keep func(Record) bool) []Record {
	out := make([]Record, 0, len(s.items))
	for _, rec := range s.items {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending implements Store.Pending.
func (s *MemoryStore) Pending(ctx context.Context, now time.Time, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(rec Record) bool {
		return !rec.Running() && !rec.NextRunAt.After(now)
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// MarkRunning implements Store.MarkRunning.
func (s *MemoryStore) MarkRunning(ctx context.Context, id int64, worker string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok || rec.Running() || rec.NextRunAt.After(at) {
		return ErrNotPending
	}
	rec.StartedAt = at
	rec.Worker = worker
	s.items[id] = rec
	return nil
}

// Complete implements Store.Complete.
func (s *MemoryStore) Complete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// Fail implements Store.Fail.
func (s *MemoryStore) Fail(ctx context.Context, id int64, next time.Time) error {
	return s.update(ctx, id, func(rec *Record) {
		rec.Attempts++
		rec.NextRunAt = next
		rec.StartedAt = time.Time{}
		rec.Worker = ""
	})
}

// Reset implements Store.Reset.
func (s *MemoryStore) Reset(ctx context.Context, id int64) error {
	return s.update(ctx, id, func(rec *Record) {
		rec.StartedAt = time.Time{}
		rec.Worker = ""
	})
}

// Running implements Store.Running.
func (s *MemoryStore) Running(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(Record.Running), nil
}

func (s *MemoryStore) update(ctx context.Context, id int64, fn func(*Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	s.items[id] = rec
	return nil
}
