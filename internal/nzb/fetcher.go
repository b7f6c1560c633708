package nzb

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/nzbidx/internal/cache"
	"github.com/datallboy/nzbidx/internal/domain"
)

// NzbFetchError wraps a failure to produce an NZB document for a dedupe
// key: no release found, empty segments, schema
// validation failure, or an unrepresentable character during rendering.
type NzbFetchError struct {
	Key string
	Err error
}

func (e *NzbFetchError) Error() string {
	return fmt.Sprintf("nzb fetch %s: %v", e.Key, e.Err)
}

func (e *NzbFetchError) Unwrap() error { return e.Err }

// ReleaseReader is the subset of *store.Store the builder needs to look up
// a release by its dedupe key.
type ReleaseReader interface {
	GetByDedupeKey(ctx context.Context, key string) (*domain.Release, error)
}

// Cache is the subset of *cache.NZBCache the builder needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, xml []byte) error
	PutFailure(ctx context.Context, key string) error
}

// Builder implements NzbBuilder: build(dedupe_key) -> xml,
// caching successes for cache.SuccessTTL and failures for
// cache.FailureTTL so a known-bad key doesn't keep hitting the store.
type Builder struct {
	store ReleaseReader
	cache Cache
}

// NewBuilder constructs a Builder over a release store and an NZB cache.
func NewBuilder(store ReleaseReader, c Cache) *Builder {
	return &Builder{store: store, cache: c}
}

// Fetch returns the cached or freshly-rendered NZB XML for dedupeKey. A
// cached failure sentinel short-circuits to an NzbFetchError without
// touching the release store.
func (b *Builder) Fetch(ctx context.Context, dedupeKey string) ([]byte, error) {
	if xmlBytes, err := b.cache.Get(ctx, dedupeKey); err == nil {
		return xmlBytes, nil
	} else if errors.Is(err, cache.ErrNegativeCached) {
		return nil, &NzbFetchError{Key: dedupeKey, Err: errors.New("cached build failure")}
	}

	rel, err := b.store.GetByDedupeKey(ctx, dedupeKey)
	if err != nil {
		b.cacheFailure(ctx, dedupeKey)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &NzbFetchError{Key: dedupeKey, Err: domain.ErrNotFound}
		}
		return nil, &NzbFetchError{Key: dedupeKey, Err: err}
	}

	if len(rel.Segments) == 0 {
		b.cacheFailure(ctx, dedupeKey)
		return nil, &NzbFetchError{Key: dedupeKey, Err: domain.ErrNoSegments}
	}

	if err := ValidateSegments(rel.Segments); err != nil {
		b.cacheFailure(ctx, dedupeKey)
		return nil, &NzbFetchError{Key: dedupeKey, Err: fmt.Errorf("%w: %v", domain.ErrSchema, err)}
	}

	xmlBytes, err := Build(rel)
	if err != nil {
		b.cacheFailure(ctx, dedupeKey)
		return nil, &NzbFetchError{Key: dedupeKey, Err: err}
	}

	_ = b.cache.Put(ctx, dedupeKey, xmlBytes)
	return xmlBytes, nil
}

func (b *Builder) cacheFailure(ctx context.Context, key string) {
	_ = b.cache.PutFailure(ctx, key)
}
