// Package presets wires lock factories and task stores from a loaded
// configuration.
package presets

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-latch/v1/config"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/task"
)

const (
	busFailureThreshold = 5
	busCooldown         = 30 * time.Second
)

var (
	memoryOnce  sync.Once
	memoryStore *lock.MemoryStore
	memoryBus   *syncbus.InMemoryBus
)

// sharedMemory returns the process wide store used by the memory backend so
// that every factory built here contends on the same keys.
func sharedMemory() (*lock.MemoryStore, *syncbus.InMemoryBus) {
	memoryOnce.Do(func() {
		memoryStore = lock.NewMemoryStore()
		memoryBus = syncbus.NewInMemoryBus()
	})
	return memoryStore, memoryBus
}

// NewFactory builds the lock factory selected by cfg.Backend for component.
// Connections opened here are owned by the factory and closed by its Close.
// Extra opts are applied after the configured ones.
func NewFactory(ctx context.Context, cfg config.LockConfig, component string, opts ...lock.Option) (lock.Factory, error) {
	var kafka syncbus.Bus
	if cfg.Notify && len(cfg.Kafka.Brokers) > 0 {
		kb, err := syncbus.NewKafkaBus(cfg.Kafka.Brokers, nil, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("%w: kafka: %v", latcherrors.ErrBackendUnavailable, err)
		}
		kafka = syncbus.NewCircuitBreaker(kb, busFailureThreshold, busCooldown)
		opts = append([]lock.Option{lock.WithBus(kafka), lock.WithCloser(kafka.Close)}, opts...)
	}
	f, err := newFactory(ctx, cfg, component, kafka == nil, opts)
	if err != nil && kafka != nil {
		_ = kafka.Close()
	}
	return f, err
}

// newFactory builds the backend. nativeBus selects the backend's own
// connection for notifications when cfg.Notify is set.
func newFactory(ctx context.Context, cfg config.LockConfig, component string, nativeBus bool, opts []lock.Option) (lock.Factory, error) {
	notify := cfg.Notify && nativeBus
	switch cfg.Backend {
	case "file":
		f, err := lock.NewFile(cfg.File.Dir, component, opts...)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "memory":
		store, bus := sharedMemory()
		f, err := lock.NewMemory(store, component, append([]lock.Option{lock.WithBus(bus)}, opts...)...)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "db":
		db, err := OpenDB(cfg.DB)
		if err != nil {
			return nil, err
		}
		base := []lock.Option{lock.WithTableName(cfg.DB.Table), lock.WithCloser(closeDB(db))}
		f, err := lock.NewDB(ctx, db, component, append(base, opts...)...)
		if err != nil {
			_ = closeDB(db)()
			return nil, err
		}
		return f, nil
	case "redis":
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		base := []lock.Option{lock.WithKeyPrefix(cfg.Redis.Prefix)}
		if notify {
			bus := syncbus.NewCircuitBreaker(syncbus.NewRedisBus(client, cfg.Redis.Prefix+"latch:"), busFailureThreshold, busCooldown)
			base = append(base, lock.WithBus(bus), lock.WithCloser(bus.Close))
		}
		base = append(base, lock.WithCloser(client.Close))
		f, err := lock.NewRedis(ctx, client, component, append(base, opts...)...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return f, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("latch-"+component))
		if err != nil {
			return nil, fmt.Errorf("%w: nats: %v", latcherrors.ErrBackendUnavailable, err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: jetstream: %v", latcherrors.ErrBackendUnavailable, err)
		}
		base := []lock.Option{lock.WithBucket(cfg.NATS.Bucket), lock.WithBucketTTL(cfg.NATS.BucketTTL)}
		if notify {
			bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(nc), busFailureThreshold, busCooldown)
			base = append(base, lock.WithBus(bus), lock.WithCloser(bus.Close))
		}
		base = append(base, lock.WithCloser(func() error { nc.Close(); return nil }))
		f, err := lock.NewNATS(ctx, js, component, append(base, opts...)...)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: unknown lock backend %q", latcherrors.ErrInvalidConfig, cfg.Backend)
	}
}

// OpenDB opens the database described by cfg through GORM with SQL logging
// silenced.
func OpenDB(cfg config.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", latcherrors.ErrInvalidConfig, cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("%w: database: %v", latcherrors.ErrBackendUnavailable, err)
	}
	if cfg.Driver != "postgres" {
		// sqlite allows a single writer.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

func closeDB(db *gorm.DB) func() error {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
}

// NewRedisClient builds a client from cfg. URL wins over the individual
// host, port, database and password fields.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", latcherrors.ErrInvalidConfig, err)
		}
		return redis.NewClient(opts), nil
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: redis host required", latcherrors.ErrInvalidConfig)
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Password: cfg.Password,
		DB:       cfg.Database,
	}), nil
}

// NewTaskRegistry returns a task registry carrying the configured default
// and per type concurrency limits.
func NewTaskRegistry(cfg config.TaskConfig) (*task.Registry, error) {
	reg, err := task.NewRegistry(cfg.DefaultLimit)
	if err != nil {
		return nil, err
	}
	for name, limit := range cfg.Limits {
		if err := reg.SetLimit(task.Type(name), limit); err != nil {
			return nil, fmt.Errorf("task limit %s: %w", name, err)
		}
	}
	return reg, nil
}

// NewTaskStore returns the task store selected by cfg.Task.Store. The
// database store reuses the lock database settings. The returned close
// function frees the connection and is never nil.
func NewTaskStore(cfg *config.Config) (task.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Task.Store {
	case "memory", "":
		return task.NewMemoryStore(), noop, nil
	case "db":
		db, err := OpenDB(cfg.Lock.DB)
		if err != nil {
			return nil, noop, err
		}
		store, err := task.NewGormStore(db)
		if err != nil {
			_ = closeDB(db)()
			return nil, noop, err
		}
		return store, closeDB(db), nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown task store %q", latcherrors.ErrInvalidConfig, cfg.Task.Store)
	}
}
