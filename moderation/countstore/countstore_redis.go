package countstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCountPrefix = "judgements/"

// RedisCountStore shares reviewer counters between daemon instances.
type RedisCountStore struct {
	Client *redis.Client
}

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, category, reviewer, period string) (int, error) {
	key := redisCountPrefix + periodBucket(category, reviewer, period, time.Now())
	c, err := s.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return c, err
}

// Increment bumps every period bucket in one pipelined round-trip.
func (s *RedisCountStore) Increment(ctx context.Context, category, reviewer string) error {
	now := time.Now()
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range periodTTL {
			key := redisCountPrefix + periodBucket(category, reviewer, p.period, now)
			pipe.Incr(ctx, key)
			if p.ttl > 0 {
				pipe.Expire(ctx, key, p.ttl)
			}
		}
		return nil
	})
	return err
}
