package markerstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var redisMarkerPrefix string = "markers/"

type RedisMarkerStore struct {
	Client *redis.Client
}

func NewRedisMarkerStore(redisURL string) (*RedisMarkerStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisMarkerStore{Client: rdb}, nil
}

func (s *RedisMarkerStore) Get(ctx context.Context, key string) ([]string, error) {
	l, err := s.Client.SMembers(ctx, redisMarkerPrefix+key).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	return l, err
}

func (s *RedisMarkerStore) Has(ctx context.Context, key, marker string) (bool, error) {
	return s.Client.SIsMember(ctx, redisMarkerPrefix+key, marker).Result()
}

func (s *RedisMarkerStore) Add(ctx context.Context, key string, markers ...string) error {
	if len(markers) == 0 {
		return nil
	}
	l := make([]any, len(markers))
	for i, m := range markers {
		l[i] = m
	}
	return s.Client.SAdd(ctx, redisMarkerPrefix+key, l...).Err()
}

func (s *RedisMarkerStore) Remove(ctx context.Context, key string, markers ...string) error {
	if len(markers) == 0 {
		return nil
	}
	l := make([]any, len(markers))
	for i, m := range markers {
		l[i] = m
	}
	return s.Client.SRem(ctx, redisMarkerPrefix+key, l...).Err()
}
