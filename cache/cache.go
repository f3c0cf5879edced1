// Package cache holds the shared redis client used for connection ids and
// the packet stream.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotInitialized = errors.New("cache not initialized")

var master *redis.Client

// Init connects to redis and checks the connection with PING.
func Init(ctx context.Context, opt *redis.Options) error {
	client := redis.NewClient(opt)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return err
	}
	master = client
	return nil
}

func Master() *redis.Client {
	return master
}

func Enabled() bool {
	return master != nil
}

func Close() error {
	if master != nil {
		client := master
		master = nil
		return client.Close()
	}
	return nil
}

func IncrBy(ctx context.Context, key string, increment int64) (int64, error) {
	if master == nil {
		return 0, ErrNotInitialized
	}
	return master.IncrBy(ctx, key, increment).Result()
}

func SetNX(ctx context.Context, key string, value any, expiry time.Duration) (bool, error) {
	if master == nil {
		return false, ErrNotInitialized
	}
	return master.SetNX(ctx, key, value, expiry).Result()
}

func Get(ctx context.Context, key string) (string, error) {
	if master == nil {
		return "", ErrNotInitialized
	}
	return master.Get(ctx, key).Result()
}

func KeyDel(ctx context.Context, keys ...string) (int64, error) {
	if master == nil {
		return 0, ErrNotInitialized
	}
	return master.Del(ctx, keys...).Result()
}
