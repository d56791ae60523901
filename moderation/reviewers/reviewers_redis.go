package reviewers

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var redisReviewerPrefix string = "reviewers/"

// RedisReviewerSet reads reviewer sets maintained out of band (eg, by an admin tool)
// as redis sets named "reviewers/<category>" and "reviewers/*".
type RedisReviewerSet struct {
	Client *redis.Client
}

func NewRedisReviewerSet(redisURL string) (*RedisReviewerSet, error) {
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
	return &RedisReviewerSet{Client: rdb}, nil
}

func (s *RedisReviewerSet) IsReviewer(ctx context.Context, category, reviewerID string) (bool, error) {
	multi := s.Client.Pipeline()
	anyCmd := multi.SIsMember(ctx, redisReviewerPrefix+AnyCategory, reviewerID)
	catCmd := multi.SIsMember(ctx, redisReviewerPrefix+category, reviewerID)
	if _, err := multi.Exec(ctx); err != nil {
		return false, err
	}
	return anyCmd.Val() || catCmd.Val(), nil
}

func (s *RedisReviewerSet) Add(ctx context.Context, category string, reviewerIDs ...string) error {
	l := make([]any, len(reviewerIDs))
	for i, id := range reviewerIDs {
		l[i] = id
	}
	return s.Client.SAdd(ctx, redisReviewerPrefix+category, l...).Err()
}
