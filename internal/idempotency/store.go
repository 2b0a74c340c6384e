// Package idempotency maps (user, dedup key) pairs to task ids with a
// bounded retention window, backing the at-most-one-effect submission
// guarantee.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds idempotency mappings in the shared Redis instance so every
// service replica sees the same view.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func mappingKey(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// Check returns the task id previously recorded for this (user, key) pair,
// if the mapping has not expired.
func (s *Store) Check(ctx context.Context, userID, key string) (string, bool, error) {
	taskID, err := s.rdb.Get(ctx, mappingKey(userID, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return taskID, true, nil
}

// Set records the mapping with the configured TTL. SETNX narrows the window
// in which two racing duplicate submissions can both pass the check; the
// first mapping written wins and is never overwritten within the TTL.
func (s *Store) Set(ctx context.Context, userID, key, taskID string) error {
	if err := s.rdb.SetNX(ctx, mappingKey(userID, key), taskID, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

// DeriveKey builds a deterministic dedup key for callers that did not supply
// one: identical tool + input within the TTL collapse to one task.
func DeriveKey(toolSlug string, inputParams []byte) string {
	h := sha256.New()
	h.Write([]byte(toolSlug))
	h.Write([]byte{0})
	h.Write(inputParams)
	return hex.EncodeToString(h.Sum(nil))
}
