package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type kvClaim struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

func (c kvClaim) expired(now int64) bool {
	return c.Expires > 0 && c.Expires <= now
}

// NATSFactory is a Factory backed by a JetStream key-value bucket. Create
// only succeeds for absent keys and deletes and updates are guarded by the
// last revision, so every transition is a compare-and-set.
type NATSFactory struct {
	*factory
	kv nats.KeyValue
}

// NewNATS returns a NATS backed factory, creating the bucket when missing.
func NewNATS(ctx context.Context, js nats.JetStreamContext, component string, opts ...Option) (*NATSFactory, error) {
	if js == nil {
		return nil, fmt.Errorf("%w: jetstream context required", latcherrors.ErrInvalidConfig)
	}
	o := newOptions(opts)
	kv, err := js.KeyValue(o.bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      o.bucket,
			Description: "latch locks",
			TTL:         o.bucketTTL,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: nats: %v", latcherrors.ErrBackendUnavailable, err)
	}
	n := &NATSFactory{kv: kv}
	f, err := newFactory("nats", component, Capabilities{
		Timeout:     true,
		AutoRelease: o.bucketTTL > 0,
		Extend:      true,
	}, n, o)
	if err != nil {
		return nil, err
	}
	n.factory = f
	return n, nil
}

// kvKey encodes key into the character set allowed for KV keys.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATSFactory) load(k string) (kvClaim, uint64, error) {
	entry, err := n.kv.Get(k)
	if err != nil {
		return kvClaim{}, 0, err
	}
	var c kvClaim
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return kvClaim{}, 0, fmt.Errorf("decode claim: %w", err)
	}
	return c, entry.Revision(), nil
}

func (n *NATSFactory) claim(_ context.Context, key, token string, lifetime time.Duration) (bool, error) {
	now := time.Now()
	val, err := json.Marshal(kvClaim{Token: token, Expires: expiryNanos(now, lifetime)})
	if err != nil {
		return false, err
	}
	k := kvKey(key)
	for attempt := 0; attempt < 2; attempt++ {
		_, err := n.kv.Create(k, val)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return false, err
		}
		held, rev, err := n.load(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !held.expired(now.UnixNano()) {
			return false, nil
		}
		if err := n.kv.Delete(k, nats.LastRevision(rev)); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return false, nil
			}
			return false, err
		}
		n.logger.Info("latch: reclaimed expired claim", "key", key)
	}
	return false, nil
}

func (n *NATSFactory) clear(_ context.Context, key, token string) error {
	k := kvKey(key)
	held, rev, err := n.load(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if held.Token != token {
		return nil
	}
	err = n.kv.Delete(k, nats.LastRevision(rev))
	if errors.Is(err, nats.ErrKeyExists) {
		return nil
	}
	return err
}

func (n *NATSFactory) refresh(_ context.Context, key, token string, lifetime time.Duration) (bool, error) {
	k := kvKey(key)
	now := time.Now()
	held, rev, err := n.load(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if held.Token != token || held.expired(now.UnixNano()) {
		return false, nil
	}
	val, err := json.Marshal(kvClaim{Token: token, Expires: expiryNanos(now, lifetime)})
	if err != nil {
		return false, err
	}
	if _, err := n.kv.Update(k, val, rev); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *NATSFactory) ping(context.Context) error {
	_, err := n.kv.Status()
	return err
}
