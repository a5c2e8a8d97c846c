package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/adboard/ledger/internal/shared"
)

const (
	versionKeyPrefix = "billing:balance:version"
	bumpChannel      = "billing.bump"
)

// Cache keeps per-customer balance views in Redis. Every customer has its own
// version counter; writes bump it so older keys simply stop being read and
// age out through the TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(customerID int64) string {
	return versionKeyPrefix + ":" + strconv.FormatInt(customerID, 10)
}

// Version returns the customer's cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context, customerID int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(customerID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX so a concurrent Bump is not overwritten.
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key for a customer view with the current version.
func (c *Cache) BuildKey(ctx context.Context, customerID int64, parts ...string) (string, error) {
	base := strings.Join(append([]string{"billing", "balance", strconv.FormatInt(customerID, 10)}, parts...), ":")
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx, customerID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", base, ver), nil
}

// FetchJSON loads a cached value into dest or populates it with loader.
// Concurrent misses on the same key share one loader call. hit reports
// whether the value came from Redis.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) (hit bool, err error) {
	if loader == nil {
		return false, errors.New("billing cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return false, err
		}
		return false, roundTrip(value, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return true, json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}

	res := c.group.DoChan(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return false, r.Err
		}
		return false, json.Unmarshal(r.Val.([]byte), dest)
	}
}

// Store writes value under key, replacing whatever is cached.
func (c *Cache) Store(ctx context.Context, key string, value any) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates every cached view of the customer and publishes the new
// version on the bump channel.
func (c *Cache) Bump(ctx context.Context, customerID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(customerID)).Result()
	if err != nil {
		return err
	}
	msg := strconv.FormatInt(customerID, 10) + ":" + strconv.FormatInt(ver, 10)
	return c.client.Publish(ctx, bumpChannel, msg).Err()
}

// Lock takes the customer's write lock for at most ttl. The returned release
// func only deletes the key while this caller still owns it.
func (c *Cache) Lock(ctx context.Context, customerID int64, owner string, ttl time.Duration) (func(context.Context), error) {
	noop := func(context.Context) {}
	if c == nil || c.client == nil {
		return noop, nil
	}
	key := shared.CustomerLockKey(customerID)
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return noop, err
	}
	if !ok {
		return noop, fmt.Errorf("customer %d: %w", customerID, shared.ErrLocked)
	}
	return func(ctx context.Context) {
		_ = releaseScript.Run(ctx, c.client, []string{key}, owner).Err()
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
