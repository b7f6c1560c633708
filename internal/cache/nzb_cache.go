// Package cache implements a Redis-backed cache for rendered NZB XML
// documents, keyed "nzb:<dedupe_key>" with a long success TTL and a short
// failure-sentinel TTL so repeated misses on a known-bad key don't keep
// hammering the release store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "nzb:"

	// SuccessTTL is how long a successfully built NZB document stays cached.
	SuccessTTL = 24 * time.Hour
	// FailureTTL is how long a build failure is remembered, to suppress
	// thrashing on a release that keeps failing the same way.
	FailureTTL = 5 * time.Minute
)

var failureSentinel = []byte{0}

// ErrNegativeCached is returned by Get when the key is a cached failure
// sentinel rather than a miss.
var ErrNegativeCached = errors.New("nzb: cached build failure")

// NZBCache is a Redis-backed cache for rendered NZB XML documents.
type NZBCache struct {
	client *redis.Client
}

// New parses addr (a redis://... URL) and returns an NZBCache. A malformed
// URL is reported immediately; no connection is opened here, so an
// unreachable server surfaces as an error from the first Get/Put.
func New(addr string) (*NZBCache, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &NZBCache{client: client}, nil
}

// Get returns the cached XML for key, redis.Nil on a true miss, or
// ErrNegativeCached if the key holds a failure sentinel.
func (c *NZBCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		return nil, err
	}
	if len(data) == len(failureSentinel) && data[0] == failureSentinel[0] {
		return nil, ErrNegativeCached
	}
	return data, nil
}

// Put caches a successfully built document under key for SuccessTTL.
func (c *NZBCache) Put(ctx context.Context, key string, xml []byte) error {
	return c.client.Set(ctx, keyPrefix+key, xml, SuccessTTL).Err()
}

// PutFailure caches a build failure under key for FailureTTL, so repeated
// fetches of a known-bad dedupe key don't re-hit the release store.
func (c *NZBCache) PutFailure(ctx context.Context, key string) error {
	return c.client.Set(ctx, keyPrefix+key, failureSentinel, FailureTTL).Err()
}

// IsMiss reports whether err from Get is a true cache miss (as opposed to
// ErrNegativeCached or a connection error).
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close releases the underlying Redis connection pool.
func (c *NZBCache) Close() error {
	return c.client.Close()
}
