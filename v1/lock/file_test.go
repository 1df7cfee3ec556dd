package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func TestNewFileRejectsBadDir(t *testing.T) {
	if _, err := NewFile("", "core"); !errors.Is(err, latcherrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	notDir := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(notDir, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFile(notDir, "core"); !errors.Is(err, latcherrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestFileCapabilities(t *testing.T) {
	f, err := NewFile(t.TempDir(), "core")
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	want := Capabilities{Timeout: true}
	if got := f.Capabilities(); got != want {
		t.Fatalf("capabilities = %+v, want %+v", got, want)
	}
}

func TestFileLockContent(t *testing.T) {
	f, err := NewFile(t.TempDir(), "core")
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	l := mustGet(t, f, "a/b c", 0, time.Minute)

	p := f.Path(l.Key())
	if filepath.Dir(p) != f.Dir() || !strings.HasSuffix(p, lockFileSuffix) {
		t.Fatalf("unexpected lock path %q", p)
	}
	owner, expires, err := readLockFile(p)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if owner != l.Token() {
		t.Fatalf("lock file owner %q, want %q", owner, l.Token())
	}
	if drift := time.Duration(l.ExpiresAt().UnixNano() - expires); drift < 0 || drift > time.Second {
		t.Fatalf("lock file expiry %d too far from %v", expires, l.ExpiresAt())
	}

	l.Release(context.Background())
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("lock file should be gone, stat err %v", err)
	}
}

// A holder that died without releasing strands a lock taken without a
// lifetime until the file is removed by hand.
func TestFileStrandedUntilManualClear(t *testing.T) {
	dir := t.TempDir()
	dead, err := NewFile(dir, "core", fastBackoff)
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	l := mustGet(t, dead, "abc1", 0, 0)

	next, err := NewFile(dir, "core", fastBackoff)
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	expectContended(t, next, "abc1", 100*time.Millisecond)

	if err := os.Remove(dead.Path(l.Key())); err != nil {
		t.Fatalf("manual clear: %v", err)
	}
	l2 := mustGet(t, next, "abc1", 0, time.Minute)
	l2.Release(context.Background())

	if !l.Release(context.Background()) {
		t.Fatal("release of cleared handle should report true")
	}
}

func TestFileMalformedNotReclaimed(t *testing.T) {
	f, err := NewFile(t.TempDir(), "core", fastBackoff)
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	p := f.Path(f.Key("abc1"))
	if err := os.WriteFile(p, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := f.GetLock(context.Background(), "abc1", 0, time.Minute); err == nil {
		t.Fatal("expected an error for a malformed lock file")
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("malformed file should be left alone: %v", err)
	}
}

func TestFileReleaseKeepsForeignFile(t *testing.T) {
	f, err := NewFile(t.TempDir(), "core")
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	l := mustGet(t, f, "abc1", 0, time.Minute)
	p := f.Path(l.Key())
	if err := os.WriteFile(p, []byte("someone-else 0\n"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !l.Release(context.Background()) {
		t.Fatal("release should report true")
	}
	owner, _, err := readLockFile(p)
	if err != nil || owner != "someone-else" {
		t.Fatalf("foreign lock file was touched: %q %v", owner, err)
	}
}

func TestFileNoLeftovers(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir, "core", fastBackoff)
	if err != nil {
		t.Fatalf("new file factory: %v", err)
	}
	l := mustGet(t, f, "abc1", 0, 100*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	l2 := mustGet(t, f, "abc1", 0, time.Minute)
	l.Release(context.Background())
	l2.Release(context.Background())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		if e.Name() != guardFileName {
			names = append(names, e.Name())
		}
	}
	if len(names) != 0 {
		t.Fatalf("expected only the guard file, found %v", names)
	}
}

// Contenders racing to reclaim one expired lock file must still produce a
// single holder.
func TestFileExpiredReclaimRace(t *testing.T) {
	const (
		contenders = 8
		rounds     = 25
	)
	dir := t.TempDir()
	factories := make([]*FileFactory, contenders)
	for i := range factories {
		f, err := NewFile(dir, "core", fastBackoff)
		if err != nil {
			t.Fatalf("new file factory: %v", err)
		}
		factories[i] = f
	}
	p := factories[0].Path(factories[0].Key("race"))

	for round := 0; round < rounds; round++ {
		stale := fmt.Sprintf("dead-%d %d\n", round, time.Now().Add(-time.Minute).UnixNano())
		if err := os.WriteFile(p, []byte(stale), 0o600); err != nil {
			t.Fatalf("write stale lock: %v", err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []*Lock
		)
		start := make(chan struct{})
		for _, f := range factories {
			wg.Add(1)
			go func(f *FileFactory) {
				defer wg.Done()
				<-start
				l, ok, err := f.GetLock(context.Background(), "race", 0, time.Minute)
				if err != nil {
					t.Errorf("get lock: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins = append(wins, l)
					mu.Unlock()
				}
			}(f)
		}
		close(start)
		wg.Wait()

		if len(wins) != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, len(wins))
		}
		owner, _, err := readLockFile(p)
		if err != nil || owner != wins[0].Token() {
			t.Fatalf("round %d: lock file owner %q, winner %q (%v)", round, owner, wins[0].Token(), err)
		}
		if !wins[0].Release(context.Background()) {
			t.Fatalf("round %d: release failed", round)
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("round %d: lock file left after release: %v", round, err)
		}
	}
}
