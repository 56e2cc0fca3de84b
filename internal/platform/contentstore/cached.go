package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Cache is the byte cache an upstream Store can be fronted with.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cached wraps a Store with a read-through cache on id lookups. Documents are
// immutable, so entries never need invalidation and a replica read that is
// already cached is simply served from the cache.
type Cached struct {
	Store
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(upstream Store, cache Cache, ttl time.Duration, logger zerolog.Logger) *Cached {
	return &Cached{
		Store:  upstream,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "contentstore.cache").Logger(),
	}
}

// Origin returns the store behind any cache, for reads that must see what is
// actually persisted.
func Origin(s Store) Store {
	if c, ok := s.(*Cached); ok {
		return c.Store
	}
	return s
}

func docCacheKey(id string) string {
	return fmt.Sprintf("ehrdoc:%s", id)
}

func versionCacheKey(versionID string) string {
	return fmt.Sprintf("ehrdoc:version:%s", versionID)
}

func (c *Cached) GetByID(ctx context.Context, id string, preferReplica bool) (*Document, error) {
	key := docCacheKey(id)
	if doc := c.lookup(ctx, key); doc != nil {
		return doc, nil
	}
	doc, err := c.Store.GetByID(ctx, id, preferReplica)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, doc)
	return doc, nil
}

func (c *Cached) GetByVersionID(ctx context.Context, versionID string, preferReplica bool) (*Document, error) {
	key := versionCacheKey(versionID)
	if doc := c.lookup(ctx, key); doc != nil {
		return doc, nil
	}
	doc, err := c.Store.GetByVersionID(ctx, versionID, preferReplica)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, doc)
	return doc, nil
}

func (c *Cached) lookup(ctx context.Context, key string) *Document {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		return nil
	}
	return &doc
}

func (c *Cached) fill(ctx context.Context, key string, doc *Document) {
	raw, err := encodeDoc(doc)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache fill failed")
	}
}
