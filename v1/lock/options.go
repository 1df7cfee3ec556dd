package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

const (
	defaultDBTable   = "latch_locks"
	defaultDBTimeout = 5 * time.Second
	defaultKVBucket  = "latch_locks"
)

// Option configures a lock factory.
type Option func(*options)

type options struct {
	bus        syncbus.Bus
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	closers    []func() error

	keyPrefix string
	table     string
	timeout   time.Duration
	bucket    string
	bucketTTL time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:     slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		table:      defaultDBTable,
		timeout:    defaultDBTimeout,
		bucket:     defaultKVBucket,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxBackoff < o.minBackoff {
		o.maxBackoff = o.minBackoff
	}
	return o
}

// WithBus publishes release notifications on bus and lets waiters wake as
// soon as a holder releases instead of sleeping out their backoff.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBackoff sets the bounds of the uniformly jittered sleep between
// acquisition attempts. The default is 100ms to 1s.
func WithBackoff(lo, hi time.Duration) Option {
	return func(o *options) {
		if lo > 0 {
			o.minBackoff = lo
		}
		if hi > 0 {
			o.maxBackoff = hi
		}
	}
}

// WithCloser registers fn to run on Close, after held locks are released.
// It is used to hand connection ownership to the factory.
func WithCloser(fn func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// WithKeyPrefix prefixes every Redis key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithTableName sets the table used by the database backend.
func WithTableName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithOpTimeout bounds every database statement.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBucket sets the JetStream key-value bucket used by the NATS backend.
func WithBucket(name string) Option {
	return func(o *options) {
		if name != "" {
			o.bucket = name
		}
	}
}

// WithBucketTTL sets the bucket wide expiry applied when the NATS backend
// creates its bucket. Holders must extend locks more often than this.
func WithBucketTTL(d time.Duration) Option {
	return func(o *options) {
		o.bucketTTL = d
	}
}
