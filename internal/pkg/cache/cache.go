package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/fitpulse/internal/pkg/config"
)

const (
	connectRetries = 5
	retryDelay     = 2 * time.Second
)

// NewClient connects to Redis and pings it until it answers or retries run out.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	var err error
	for i := 0; i < connectRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Infof("[Cache] Connected to Redis at %s", cfg.Addr())
			return client, nil
		}
		log.Warnf("[Cache] Could not connect to Redis (try %d/%d): %v", i+1, connectRetries, err)
		if i < connectRetries-1 {
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr(), err)
}
