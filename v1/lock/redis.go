package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
else
    redis.call("PERSIST", KEYS[1])
end
return 1
`)

// RedisFactory is a Factory backed by Redis SET NX. It supports recursion:
// the same factory may stack acquisitions of a key it already holds.
type RedisFactory struct {
	*factory
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis backed factory. The client is pinged first and an
// unreachable server fails construction.
func NewRedis(ctx context.Context, client redis.UniversalClient, component string, opts ...Option) (*RedisFactory, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client required", latcherrors.ErrInvalidConfig)
	}
	o := newOptions(opts)
	r := &RedisFactory{client: client, prefix: o.keyPrefix}
	if err := r.ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: redis: %v", latcherrors.ErrBackendUnavailable, err)
	}
	f, err := newFactory("redis", component, Capabilities{
		Timeout:     true,
		Recursion:   true,
		AutoRelease: true,
		Extend:      true,
	}, r, o)
	if err != nil {
		return nil, err
	}
	r.factory = f
	return r, nil
}

func (r *RedisFactory) claim(ctx context.Context, key, token string, lifetime time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, token, lifetime).Result()
}

func (r *RedisFactory) clear(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *RedisFactory) refresh(ctx context.Context, key, token string, lifetime time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, lifetime.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisFactory) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
