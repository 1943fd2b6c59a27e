package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "reelpilot:lease:"

// RedisLeaseStore shares account leases between processes with SET NX PX.
type RedisLeaseStore struct {
	client *redis.Client
}

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

// ConnectRedis builds a client from a redis:// URL or a host:port address.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, accountID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKeyPrefix+accountID, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

func (s *RedisLeaseStore) Release(ctx context.Context, accountID string) error {
	return s.client.Del(ctx, leaseKeyPrefix+accountID).Err()
}
