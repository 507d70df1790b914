package config

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock returns the distributed lock client, or nil when Redis is not
// configured. Callers must treat nil as "locking unavailable" and fall back to
// their documented single-writer obligations.
func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects the Redis client and lock client when
// REDIS_ADDRESS is set. Redis is optional for this service: it only backs the
// per-operation run lock, so a missing address is not an error.
func ConnectRedisWithRetry() {
	address := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	if address == "" {
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	maxAttempts := intFromEnv("REDIS_CONNECT_MAX_ATTEMPTS", 5)
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			log.Printf("connected to redis (attempt=%d)", attempt)
			return
		}
		if attempt >= maxAttempts {
			log.Printf("redis unavailable after %d attempts: %v; run locking disabled", attempt, err)
			return
		}
		time.Sleep(time.Second * time.Duration(attempt))
	}
}
