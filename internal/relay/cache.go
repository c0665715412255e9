package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"galaxydocs/api/internal/store"
)

// CachedReplica is the last relayed state of a document.
type CachedReplica struct {
	Mode    store.SyncMode `cbor:"1,keyasint"`
	Content string         `cbor:"2,keyasint,omitempty"`
	State   []byte         `cbor:"3,keyasint,omitempty"`
	Version int64          `cbor:"4,keyasint"`
}

type Cache interface {
	Load(ctx context.Context, documentID string) (CachedReplica, bool, error)
	Store(ctx context.Context, documentID string, replica CachedReplica) error
}

// RedisCache keeps replicas in Redis so a restarted node can rehydrate
// state that never reached the store.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "replica:", ttl: ttl}
}

func (c *RedisCache) key(documentID string) string {
	return c.prefix + documentID
}

func (c *RedisCache) Load(ctx context.Context, documentID string) (CachedReplica, bool, error) {
	raw, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedReplica{}, false, nil
		}
		return CachedReplica{}, false, fmt.Errorf("load replica: %w", err)
	}
	var replica CachedReplica
	if err := cbor.Unmarshal(raw, &replica); err != nil {
		return CachedReplica{}, false, fmt.Errorf("decode replica: %w", err)
	}
	return replica, true, nil
}

func (c *RedisCache) Store(ctx context.Context, documentID string, replica CachedReplica) error {
	raw, err := cbor.Marshal(replica)
	if err != nil {
		return fmt.Errorf("encode replica: %w", err)
	}
	if err := c.client.Set(ctx, c.key(documentID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("store replica: %w", err)
	}
	return nil
}
