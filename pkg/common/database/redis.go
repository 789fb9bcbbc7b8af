package database

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/roomsync/platform/pkg/common/config"
	"github.com/roomsync/platform/pkg/common/logger"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// GetRedis returns the shared client. Redis only guards the keep-alive run
// lock, so a failed ping is logged and the lock reports the error on use.
func GetRedis(cfg *config.Config) *redis.Client {
	redisOnce.Do(func() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
			PoolSize:     4,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RedisTimeout)
		defer cancel()

		entry := logger.Log.WithField("addr", redisClient.Options().Addr)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			entry.WithError(err).Error("Failed to connect to Redis")
		} else {
			entry.Info("Connected to Redis")
		}
	})

	return redisClient
}

func PingRedis(ctx context.Context) error {
	if redisClient == nil {
		return errors.New("redis not initialised")
	}
	return redisClient.Ping(ctx).Err()
}

func CloseRedis() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
