package redisclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	client     *redis.Client
	clientMu   sync.RWMutex
	clientOnce sync.Once
)

// Connect creates the shared Redis client (safe for concurrent use).
// The same connection backs admission counters, idempotency keys,
// the job queues and the status pub/sub channels.
func Connect(ctx context.Context, addr, password string, db int) error {
	var initErr error
	clientOnce.Do(func() {
		c := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})

		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			initErr = fmt.Errorf("error connecting to redis: %w", err)
			return
		}

		clientMu.Lock()
		client = c
		clientMu.Unlock()
	})

	if initErr != nil {
		clientOnce = sync.Once{} // reset on failure
		return initErr
	}
	return nil
}

// Close closes the shared Redis client
func Close() {
	clientMu.Lock()
	defer clientMu.Unlock()
	if client != nil {
		_ = client.Close()
		client = nil
	}
	clientOnce = sync.Once{} // reset to allow reconnection
}

// Client returns the shared Redis client
func Client() *redis.Client {
	clientMu.RLock()
	defer clientMu.RUnlock()
	return client
}

// Status pings the Redis server
func Status(ctx context.Context) error {
	clientMu.RLock()
	c := client
	clientMu.RUnlock()

	if c == nil {
		return fmt.Errorf("redis not initialized")
	}
	return c.Ping(ctx).Err()
}
