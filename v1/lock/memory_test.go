package lock

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// The timing tests use the default 100ms-1s backoff.

func TestWaitTwoSecondsReleasedAfterOne(t *testing.T) {
	store := NewMemoryStore()
	holder, _ := NewMemory(store, "core")
	waiter, _ := NewMemory(store, "core")

	l := mustGet(t, holder, "abc1", 0, time.Minute)
	go func() {
		time.Sleep(time.Second)
		l.Release(context.Background())
	}()

	start := time.Now()
	l2 := mustGet(t, waiter, "abc1", 2*time.Second, time.Minute)
	defer l2.Release(context.Background())
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 2*time.Second+100*time.Millisecond {
		t.Fatalf("acquired after %v, want between 1s and 2s", elapsed)
	}
}

func TestWaitTwoSecondsHeldThroughout(t *testing.T) {
	store := NewMemoryStore()
	holder, _ := NewMemory(store, "core")
	waiter, _ := NewMemory(store, "core")

	l := mustGet(t, holder, "abc1", 0, time.Minute)
	defer l.Release(context.Background())

	start := time.Now()
	expectContended(t, waiter, "abc1", 2*time.Second)
	if elapsed := time.Since(start); elapsed < 2*time.Second || elapsed > 2*time.Second+150*time.Millisecond {
		t.Fatalf("gave up after %v, want ~2s", elapsed)
	}
}

func TestMemoryBusWakesWaiter(t *testing.T) {
	store := NewMemoryStore()
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	slow := WithBackoff(5*time.Second, 5*time.Second)
	holder, _ := NewMemory(store, "core", WithBus(bus), slow)
	waiter, _ := NewMemory(store, "core", WithBus(bus), slow)

	l := mustGet(t, holder, "abc1", 0, time.Minute)
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Release(context.Background())
	}()
	start := time.Now()
	l2 := mustGet(t, waiter, "abc1", 10*time.Second, time.Minute)
	defer l2.Release(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waiter was not woken, took %v", elapsed)
	}
	if m := bus.Metrics(); m.Published == 0 || m.Delivered == 0 {
		t.Fatalf("unexpected bus metrics %+v", m)
	}
}

func TestMemoryStoreLen(t *testing.T) {
	store := NewMemoryStore()
	f, _ := NewMemory(store, "core")
	mustGet(t, f, "a", 0, 0)
	mustGet(t, f, "b", 0, 50*time.Millisecond)
	if n := store.Len(); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}
	time.Sleep(100 * time.Millisecond)
	if n := store.Len(); n != 1 {
		t.Fatalf("len after expiry = %d, want 1", n)
	}
}

func TestLockMetrics(t *testing.T) {
	f, _ := NewMemory(nil, "metrics")
	other, _ := NewMemory(f.store, "metrics")

	acquired := testutil.ToFloat64(metrics.LockAcquired.WithLabelValues("memory"))
	timeouts := testutil.ToFloat64(metrics.LockTimeouts.WithLabelValues("memory"))
	released := testutil.ToFloat64(metrics.LockReleased.WithLabelValues("memory"))

	l := mustGet(t, f, "abc1", 0, time.Minute)
	expectContended(t, other, "abc1", 0)
	l.Release(context.Background())

	if got := testutil.ToFloat64(metrics.LockAcquired.WithLabelValues("memory")) - acquired; got != 1 {
		t.Fatalf("acquired delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LockTimeouts.WithLabelValues("memory")) - timeouts; got != 1 {
		t.Fatalf("timeouts delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LockReleased.WithLabelValues("memory")) - released; got != 1 {
		t.Fatalf("released delta = %v, want 1", got)
	}
}

func TestCloseReleasesAndRunsClosers(t *testing.T) {
	store := NewMemoryStore()
	closed := 0
	f, _ := NewMemory(store, "core", WithCloser(func() error {
		closed++
		return nil
	}))
	mustGet(t, f, "abc1", 0, 0)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closer ran %d times, want 1", closed)
	}
	if store.Len() != 0 {
		t.Fatal("close should release held locks")
	}
}
