package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type redisResolver struct {
	client *redis.Client
	key    string
}

func NewRedisClient(url string, poolSize int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if poolSize > 0 {
		opt.PoolSize = poolSize
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// NewRedis resolves endpoints from the hash stored at key (field = service name).
func NewRedis(client *redis.Client, key string) Resolver {
	return &redisResolver{client: client, key: key}
}

func (r *redisResolver) Endpoint(ctx context.Context, service string) (string, error) {
	url, err := r.client.HGet(ctx, r.key, service).Result()
	if errors.Is(err, redis.Nil) || (err == nil && url == "") {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get endpoint from redis: %w", err)
	}

	return strings.TrimSuffix(url, "/"), nil
}
