package lock

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fastBackoff keeps contention tests short.
var fastBackoff = WithBackoff(5*time.Millisecond, 20*time.Millisecond)

// backendEnv builds factories over one shared store. Each call to newF
// yields an independent factory, standing in for a separate process.
type backendEnv struct {
	newF func(component string, opts ...Option) Factory
	// advance lets d pass for both the process clock and the store.
	advance func(d time.Duration)
}

type backendCase struct {
	name  string
	setup func(t *testing.T) backendEnv
}

func sleepEnv(newF func(string, ...Option) Factory) backendEnv {
	return backendEnv{newF: newF, advance: time.Sleep}
}

func backendCases() []backendCase {
	return []backendCase{
		{name: "memory", setup: setupMemory},
		{name: "file", setup: setupFile},
		{name: "db", setup: setupDB},
		{name: "redis", setup: setupRedis},
		{name: "nats", setup: setupNATS},
	}
}

func setupMemory(t *testing.T) backendEnv {
	store := NewMemoryStore()
	return sleepEnv(func(component string, opts ...Option) Factory {
		f, err := NewMemory(store, component, append([]Option{fastBackoff}, opts...)...)
		if err != nil {
			t.Fatalf("new memory factory: %v", err)
		}
		return f
	})
}

func setupFile(t *testing.T) backendEnv {
	dir := t.TempDir()
	return sleepEnv(func(component string, opts ...Option) Factory {
		f, err := NewFile(dir, component, append([]Option{fastBackoff}, opts...)...)
		if err != nil {
			t.Fatalf("new file factory: %v", err)
		}
		return f
	})
}

func newSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setupDB(t *testing.T) backendEnv {
	db := newSQLite(t)
	return sleepEnv(func(component string, opts ...Option) Factory {
		f, err := NewDB(context.Background(), db, component, append([]Option{fastBackoff}, opts...)...)
		if err != nil {
			t.Fatalf("new db factory: %v", err)
		}
		return f
	})
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func setupRedis(t *testing.T) backendEnv {
	mr, client := newMiniredis(t)
	return backendEnv{
		newF: func(component string, opts ...Option) Factory {
			f, err := NewRedis(context.Background(), client, component, append([]Option{fastBackoff}, opts...)...)
			if err != nil {
				t.Fatalf("new redis factory: %v", err)
			}
			return f
		},
		// miniredis only expires keys when told to.
		advance: func(d time.Duration) {
			time.Sleep(d)
			mr.FastForward(d)
		},
	}
}

func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func newJetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()
	s := runJetStream(t)
	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return nc, js
}

func setupNATS(t *testing.T) backendEnv {
	_, js := newJetStream(t)
	return sleepEnv(func(component string, opts ...Option) Factory {
		f, err := NewNATS(context.Background(), js, component, append([]Option{fastBackoff}, opts...)...)
		if err != nil {
			t.Fatalf("new nats factory: %v", err)
		}
		return f
	})
}
