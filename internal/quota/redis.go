package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "fallgate:quota:"
	// Counters outlive their day long enough for late commits and reporting.
	redisTTL = 48 * time.Hour
)

var reserveScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisStore keeps counters in Redis so several gateway processes share quota.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(k Key) string {
	return redisKeyPrefix + k.User + ":" + string(k.Kind) + ":" + k.Date
}

func (s *RedisStore) Count(ctx context.Context, k Key) (int, error) {
	n, err := s.client.Get(ctx, redisKey(k)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Increment(ctx context.Context, k Key) (int, error) {
	key := redisKey(k)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, redisTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Reserve(ctx context.Context, k Key, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := reserveScript.Run(ctx, s.client, []string{redisKey(k)}, limit, int(redisTTL.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, k Key) error {
	return releaseScript.Run(ctx, s.client, []string{redisKey(k)}).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
