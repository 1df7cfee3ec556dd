package lock

import (
	"context"
	"sync"
	"time"
)

// KeepAlive renews a held lock in the background. A nil *KeepAlive is valid
// and does nothing.
type KeepAlive struct {
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
}

// StartKeepAlive extends l to now+lifetime every lifetime/2 until Stop is
// called or l is released. It returns nil when lifetime is not positive or
// the backend cannot extend locks.
func StartKeepAlive(l *Lock, lifetime time.Duration) *KeepAlive {
	if l == nil || l.owner == nil || lifetime <= 0 || !l.owner.caps.Extend {
		return nil
	}
	k := &KeepAlive{
		stop: make(chan struct{}),
		done: make(chan struct{}),
		lost: make(chan struct{}),
	}
	interval := lifetime / 2
	go k.loop(l, lifetime, interval)
	return k
}

func (k *KeepAlive) loop(l *Lock, lifetime, interval time.Duration) {
	defer close(k.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			if l.Released() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok := l.Extend(ctx, lifetime)
			cancel()
			if !ok && !l.Released() {
				l.owner.logger.Warn("latch: lock renewal failed", "key", l.Key())
				close(k.lost)
				return
			}
		}
	}
}

// Lost is closed when a renewal fails and the lock may belong to someone
// else. It never fires on a nil KeepAlive.
func (k *KeepAlive) Lost() <-chan struct{} {
	if k == nil {
		return nil
	}
	return k.lost
}

// Stop ends renewal and waits for the renewer to exit.
func (k *KeepAlive) Stop() {
	if k == nil {
		return
	}
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}
