package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/task")

const (
	defaultWorkers      = 4
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
	defaultTaskLifetime = time.Hour

	minFailDelay = time.Minute
	maxFailDelay = 24 * time.Hour
)

// FailDelay returns how long a task that already failed attempts times
// waits before its next run. It doubles from one minute up to a day.
func FailDelay(attempts int) time.Duration {
	d := minFailDelay
	for i := 0; i < attempts && d < maxFailDelay; i++ {
		d *= 2
	}
	return min(d, maxFailDelay)
}

// LockResource returns the lock resource guarding task id.
func LockResource(id int64) string {
	return "adhoc_" + strconv.FormatInt(id, 10)
}

// Dispatcher drains the adhoc queue. Each poll takes one pending snapshot,
// reorders it once with Reorder and starts the tasks in that order, skipping
// any whose type already runs at its concurrency limit. A task only runs
// while its worker holds the task lock, so several dispatchers may share a
// store.
type Dispatcher struct {
	store Store
	types *Registry
	locks lock.Factory

	workers  int
	batch    int
	poll     time.Duration
	lifetime time.Duration
	worker   string
	logger   *slog.Logger
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers bounds how many tasks run at once in this process.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithBatchSize bounds how many pending tasks one poll considers.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithPollInterval sets the pause between polls of an idle queue.
func WithPollInterval(p time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if p > 0 {
			d.poll = p
		}
	}
}

// WithTaskLifetime sets the lifetime of each task lock.
func WithTaskLifetime(l time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.lifetime = l
	}
}

// WithWorkerName sets the name recorded on running tasks. The default is
// host:pid.
func WithWorkerName(name string) DispatcherOption {
	return func(d *Dispatcher) {
		if name != "" {
			d.worker = name
		}
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher returns a Dispatcher running tasks from store with the
// handlers in types, guarding each task with a lock from locks.
func NewDispatcher(store Store, types *Registry, locks lock.Factory, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil || types == nil || locks == nil {
		return nil, fmt.Errorf("%w: dispatcher needs a store, a registry and a lock factory", latcherrors.ErrInvalidConfig)
	}
	host, _ := os.Hostname()
	d := &Dispatcher{
		store:    store,
		types:    types,
		locks:    locks,
		workers:  defaultWorkers,
		batch:    defaultBatchSize,
		poll:     defaultPollInterval,
		lifetime: defaultTaskLifetime,
		worker:   host + ":" + strconv.Itoa(os.Getpid()),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run polls the queue until ctx is done. A poll that ran tasks is followed
// by another right away.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("latch: dispatcher started", "worker", d.worker, "workers", d.workers)
	defer d.logger.Info("latch: dispatcher stopped", "worker", d.worker)
	for {
		n, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.Warn("latch: dispatch poll failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		timer := time.NewTimer(d.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// slots counts running tasks per type against the type limits.
type slots struct {
	mu      sync.Mutex
	limit   LimitFunc
	running map[Type]int
}

func (s *slots) acquire(t Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[t] >= s.limit(t) {
		return false
	}
	s.running[t]++
	return true
}

func (s *slots) release(t Type) {
	s.mu.Lock()
	s.running[t]--
	s.mu.Unlock()
}

// RunOnce takes one snapshot of due tasks and runs it. It returns the number
// of tasks whose handler was invoked.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "task.RunOnce")
	defer span.End()

	running, err := d.store.Running(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load running tasks: %w", err)
	}
	running = d.reclaim(ctx, running)

	now := d.now()
	pending, err := d.store.Pending(ctx, now, d.batch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	ordered, err := Reorder(pending, d.types.Limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	sl := &slots{limit: d.types.Limit, running: make(map[Type]int)}
	for _, rec := range running {
		sl.running[rec.Type]++
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		ran int
	)
	g.SetLimit(d.workers)
	for _, rec := range ordered {
		if ctx.Err() != nil {
			break
		}
		if !sl.acquire(rec.Type) {
			continue
		}
		g.Go(func() error {
			defer sl.release(rec.Type)
			if d.runTask(ctx, rec) {
				mu.Lock()
				ran++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("latch.tasks_pending", len(pending)), attribute.Int("latch.tasks_run", ran))
	return ran, nil
}

// reclaim returns the running tasks whose worker still holds the task lock.
// A running task with a free lock lost its worker: it is reset so it no
// longer counts against its type limit and runs again from the queue.
func (d *Dispatcher) reclaim(ctx context.Context, running []Record) []Record {
	live := running[:0]
	for _, rec := range running {
		l, ok, err := d.locks.GetLock(ctx, LockResource(rec.ID), 0, d.lifetime)
		if err != nil || !ok {
			if err != nil {
				d.logger.Warn("latch: task lock failed", "task_id", rec.ID, "error", err)
			}
			live = append(live, rec)
			continue
		}
		if l.Shared() {
			// Stacked on a claim this process holds for the task.
			l.Release(context.WithoutCancel(ctx))
			live = append(live, rec)
			continue
		}
		// Nobody can claim the task while its lock is held here.
		err = d.store.Reset(ctx, rec.ID)
		l.Release(context.WithoutCancel(ctx))
		switch {
		case err == nil:
			metrics.TasksReclaimed.WithLabelValues(string(rec.Type)).Inc()
			d.logger.Warn("latch: reclaimed orphaned task", "task_id", rec.ID,
				"task_type", string(rec.Type), "worker", rec.Worker, "started", rec.StartedAt)
		case !errors.Is(err, ErrNotFound):
			d.logger.Warn("latch: reset orphaned task failed", "task_id", rec.ID, "error", err)
			live = append(live, rec)
		}
	}
	return live
}

// runTask claims and runs rec, reporting whether its handler was invoked.
func (d *Dispatcher) runTask(ctx context.Context, rec Record) bool {
	logger := d.logger.With("task_id", rec.ID, "task_type", string(rec.Type))

	l, ok, err := d.locks.GetLock(ctx, LockResource(rec.ID), 0, d.lifetime)
	if err != nil {
		logger.Warn("latch: task lock failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	defer l.Release(context.WithoutCancel(ctx))

	start := d.now()
	if err := d.store.MarkRunning(ctx, rec.ID, d.worker, start); err != nil {
		if !errors.Is(err, ErrNotPending) {
			logger.Warn("latch: claim task failed", "error", err)
		}
		return false
	}

	ka := lock.StartKeepAlive(l, d.lifetime)
	defer ka.Stop()

	ctx, span := tracer.Start(ctx, "task.Run", trace.WithAttributes(
		attribute.Int64("latch.task_id", rec.ID),
		attribute.String("latch.task_type", string(rec.Type)),
	))
	defer span.End()

	label := string(rec.Type)
	metrics.TasksDispatched.WithLabelValues(label).Inc()
	metrics.TasksRunning.WithLabelValues(label).Inc()
	rec.StartedAt = start
	rec.Worker = d.worker
	runErr := d.invoke(ctx, rec)
	metrics.TasksRunning.WithLabelValues(label).Dec()

	// Bookkeeping must survive a cancelled run.
	bctx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := d.store.Complete(bctx, rec.ID); err != nil {
			logger.Warn("latch: complete task failed", "error", err)
		}
		logger.Debug("latch: task completed", "runtime", d.now().Sub(start))
		return true
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, "task failed")
	metrics.TasksFailed.WithLabelValues(label).Inc()
	next := d.now().Add(FailDelay(rec.Attempts))
	if err := d.store.Fail(bctx, rec.ID, next); err != nil {
		logger.Warn("latch: reschedule task failed", "error", err)
	}
	logger.Warn("latch: task failed", "error", runErr, "attempts", rec.Attempts+1, "next_run", next)
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, rec Record) (err error) {
	h, ok := d.types.Handler(rec.Type)
	if !ok {
		return fmt.Errorf("%w: no handler for %s", latcherrors.ErrInvalidTaskType, rec.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, rec)
}
