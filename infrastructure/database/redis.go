package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"rinha-payment-router/infrastructure/config"
)

func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		DB:           0,
		PoolSize:     poolSize,
		MinIdleConns: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
