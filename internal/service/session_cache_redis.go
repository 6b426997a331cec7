package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
)

// RedisSessionCache stores snapshots under session:{id} and the per-user
// id sets under user:sessions:{userId}. An optional prefix namespaces the
// keys when the Redis instance is shared.
type RedisSessionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionCache(client redis.UniversalClient, prefix string) *RedisSessionCache {
	return &RedisSessionCache{client: client, prefix: prefix}
}

func (c *RedisSessionCache) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, bool, error) {
	if c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap domain.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisSessionCache) PutSnapshot(ctx context.Context, snap domain.SessionSnapshot, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.sessionKey(snap.ID), payload, ttl).Err()
}

func (c *RedisSessionCache) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.sessionKey(sessionID)).Err()
}

func (c *RedisSessionCache) AddUserSession(ctx context.Context, userID, sessionID string, setTTL time.Duration) error {
	if c.client == nil || setTTL <= 0 {
		return nil
	}
	key := c.userSetKey(userID)
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, setTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisSessionCache) RemoveUserSession(ctx context.Context, userID, sessionID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.SRem(ctx, c.userSetKey(userID), sessionID).Err()
}

func (c *RedisSessionCache) UserSessionIDs(ctx context.Context, userID string) ([]string, error) {
	if c.client == nil {
		return nil, nil
	}
	ids, err := c.client.SMembers(ctx, c.userSetKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *RedisSessionCache) DeleteUserSessions(ctx context.Context, userID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.userSetKey(userID)).Err()
}

func (c *RedisSessionCache) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", c.prefix, sessionID)
}

func (c *RedisSessionCache) userSetKey(userID string) string {
	return fmt.Sprintf("%suser:sessions:%s", c.prefix, userID)
}
