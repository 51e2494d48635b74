// Package rediscache evicts cached subject records from a redis-backed cache
// once their credential changes.
package rediscache

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/pwchanged/internal/credential"
)

// DefaultCacheName matches the cache other services populate with subject
// records; entries live at "<cache>::<subject>".
const DefaultCacheName = "users"

// Evictor deletes cache entries.
type Evictor struct {
	client goredis.UniversalClient
	cache  string
}

var _ credential.CacheInvalidator = (*Evictor)(nil)

// New returns an Evictor for cache on client. The client stays owned by the
// caller.
func New(client goredis.UniversalClient, cache string) *Evictor {
	if cache == "" {
		cache = DefaultCacheName
	}
	return &Evictor{client: client, cache: cache}
}

// Key returns the cache key for subjectID.
func (e *Evictor) Key(subjectID string) string {
	return e.cache + "::" + subjectID
}

// Evict implements credential.CacheInvalidator. Evicting an absent entry is
// not an error.
func (e *Evictor) Evict(ctx context.Context, subjectID string) error {
	if err := e.client.Del(ctx, e.Key(subjectID)).Err(); err != nil {
		return fmt.Errorf("rediscache: evict %s: %w", subjectID, err)
	}
	return nil
}
