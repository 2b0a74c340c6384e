// Package status carries task state changes from workers to live viewers.
// Updates are transient: the bus has no replay, so consumers that connect
// late must read persisted state first.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Update is one status change for a task, published on the owning user's
// channel.
type Update struct {
	TaskID     string          `json:"taskId"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	OutputData json.RawMessage `json:"outputData,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Bus fans task status updates out to every live subscriber for a user.
type Bus interface {
	Publish(ctx context.Context, userID string, update Update) error
	// Subscribe delivers updates for the user until the context is done or
	// the returned cancel func runs. Cancelling releases the underlying
	// subscription; leaking it leaks a bus connection per viewer.
	Subscribe(ctx context.Context, userID string) (<-chan Update, func(), error)
}

func channelFor(userID string) string {
	return fmt.Sprintf("tasks:events:%s", userID)
}

// RedisBus implements Bus on Redis pub/sub, shared with the worker fleet.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, update Update) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status update: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan Update, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelFor(userID))

	// Confirm the subscription before handing the channel out, so no
	// update published after Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channelFor(userID), err)
	}

	updates := make(chan Update)
	done := make(chan struct{})

	go func() {
		defer close(updates)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var update Update
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					log.Warn().
						Str("component", "status_bus").
						Err(err).
						Msg("Dropping malformed status update")
					continue
				}
				select {
				case updates <- update:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return updates, cancel, nil
}
