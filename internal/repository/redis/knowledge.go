package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const knowledgeCachePrefix = "knowledge:"

// KnowledgeCache keeps recently hydrated knowledge compilations so new
// sessions created in quick succession don't each hit the knowledge service.
type KnowledgeCache struct {
	client *Client
	ttl    time.Duration
}

// NewKnowledgeCache creates a new knowledge cache with the given TTL
func NewKnowledgeCache(client *Client, ttl time.Duration) *KnowledgeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KnowledgeCache{client: client, ttl: ttl}
}

// Get retrieves a cached compilation for a user. A cache miss returns
// ok == false, never an error.
func (c *KnowledgeCache) Get(ctx context.Context, userID uuid.UUID) (string, bool) {
	key := fmt.Sprintf("%s%s", knowledgeCachePrefix, userID.String())
	data, err := c.client.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return data, true
}

// Set caches a compilation for a user
func (c *KnowledgeCache) Set(ctx context.Context, userID uuid.UUID, compilation string) error {
	key := fmt.Sprintf("%s%s", knowledgeCachePrefix, userID.String())
	return c.client.rdb.Set(ctx, key, compilation, c.ttl).Err()
}

// Invalidate drops the cached compilation for a user. Called after ingestion
// or correction completes so the next hydrate sees fresh knowledge.
func (c *KnowledgeCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	key := fmt.Sprintf("%s%s", knowledgeCachePrefix, userID.String())
	return c.client.rdb.Del(ctx, key).Err()
}
