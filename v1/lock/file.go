package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	lockFileSuffix = ".lock"
	guardFileName  = ".evict.guard"
)

// FileFactory is a Factory that claims a key by creating a lock file in a
// shared directory. A lock file records its owner token and expiry. Files
// left behind by a dead process are not removed automatically; a later
// acquirer reclaims one only after its expiry has passed, so locks taken
// with a zero lifetime can strand a resource until removed by hand.
type FileFactory struct {
	*factory
	dir string
}

// NewFile returns a factory keeping lock files in dir, creating it if needed.
func NewFile(dir, component string, opts ...Option) (*FileFactory, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: lock directory required", latcherrors.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", latcherrors.ErrBackendUnavailable, err)
	}
	ff := &FileFactory{dir: dir}
	if err := ff.ping(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", latcherrors.ErrBackendUnavailable, err)
	}
	f, err := newFactory("file", component, Capabilities{Timeout: true}, ff, newOptions(opts))
	if err != nil {
		return nil, err
	}
	ff.factory = f
	return ff, nil
}

// Dir returns the lock directory.
func (ff *FileFactory) Dir() string {
	return ff.dir
}

// Path returns the lock file used for key.
func (ff *FileFactory) Path(key string) string {
	return filepath.Join(ff.dir, url.PathEscape(key)+lockFileSuffix)
}

// claim links a fully written temporary file into place. Link fails when
// the target exists, which makes creation and content atomic together.
func (ff *FileFactory) claim(_ context.Context, key, token string, lifetime time.Duration) (bool, error) {
	tmp, err := os.CreateTemp(ff.dir, ".claim-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	_, werr := fmt.Fprintf(tmp, "%s %d\n", token, expiryNanos(time.Now(), lifetime))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return false, werr
	}

	p := ff.Path(key)
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Link(tmp.Name(), p)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, err
		}
		now := time.Now().UnixNano()
		evicted, err := ff.evict(p, func(_ string, expires int64) bool {
			return expires > 0 && expires <= now
		})
		if err != nil || !evicted {
			return false, err
		}
		ff.logger.Info("latch: reclaimed expired lock file", "key", key)
	}
	return false, nil
}

func (ff *FileFactory) clear(_ context.Context, key, token string) error {
	_, err := ff.evict(ff.Path(key), func(owner string, _ int64) bool {
		return owner == token
	})
	return err
}

func (ff *FileFactory) refresh(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (ff *FileFactory) ping(context.Context) error {
	probe, err := os.CreateTemp(ff.dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// evict removes the lock file at p when match accepts its content. Removal
// happens under the directory guard, and only claims create lock files, so
// the file checked under the guard is the file removed. It reports true when
// p no longer holds a matching lock.
func (ff *FileFactory) evict(p string, match func(owner string, expires int64) bool) (bool, error) {
	if ok, err := matchLockFile(p, match); !ok {
		return false, err
	}

	unlock, err := ff.guard()
	if err != nil {
		return false, err
	}
	defer unlock()

	if ok, err := matchLockFile(p, match); !ok {
		return false, err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

// matchLockFile reports whether p is gone or holds a lock accepted by match.
func matchLockFile(p string, match func(owner string, expires int64) bool) (bool, error) {
	owner, expires, err := readLockFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return match(owner, expires), nil
}

// guard takes the advisory lock serialising lock file removal in the
// directory. The kernel drops it when the holder dies.
func (ff *FileFactory) guard() (func(), error) {
	g, err := os.OpenFile(filepath.Join(ff.dir, guardFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(g); err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("lock %s: %w", g.Name(), err)
	}
	return func() {
		_ = unlockFile(g)
		_ = g.Close()
	}, nil
}

func readLockFile(p string) (string, int64, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("malformed lock file %s", p)
	}
	expires, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed lock file %s: %w", p, err)
	}
	return fields[0], expires, nil
}

func expiryNanos(now time.Time, lifetime time.Duration) int64 {
	if lifetime <= 0 {
		return 0
	}
	return now.Add(lifetime).UnixNano()
}
