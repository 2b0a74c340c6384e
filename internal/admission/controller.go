// Package admission bounds per-user in-flight task concurrency. Counters
// live in the shared Redis instance so the ceiling holds across service
// replicas.
package admission

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Controller tracks how many tasks each user currently has in
// {pending, processing}.
type Controller struct {
	rdb        *redis.Client
	defaultMax int
}

func NewController(rdb *redis.Client, defaultMax int) *Controller {
	return &Controller{rdb: rdb, defaultMax: defaultMax}
}

func counterKey(userID string) string {
	return fmt.Sprintf("admission:%s", userID)
}

// decrFloor decrements without going negative. The floor guards against a
// stray double-decrement corrupting the counter into permanently admitting
// over the ceiling.
var decrFloor = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
	redis.call('SET', KEYS[1], '0')
	return 0
end
return v
`)

// Check reports whether the user may submit another task. max <= 0 selects
// the configured default ceiling.
func (c *Controller) Check(ctx context.Context, userID string, max int) (allowed bool, current, effectiveMax int, err error) {
	if max <= 0 {
		max = c.defaultMax
	}

	current, err = c.rdb.Get(ctx, counterKey(userID)).Int()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return false, 0, max, fmt.Errorf("failed to read admission counter: %w", err)
	}

	return current < max, current, max, nil
}

// Increment charges one slot; called exactly once per admitted submission
func (c *Controller) Increment(ctx context.Context, userID string) (int, error) {
	n, err := c.rdb.Incr(ctx, counterKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment admission counter: %w", err)
	}
	return int(n), nil
}

// Decrement releases one slot; called exactly once per terminal transition
// (success, failure, or dead-letter absorption)
func (c *Controller) Decrement(ctx context.Context, userID string) (int, error) {
	n, err := decrFloor.Run(ctx, c.rdb, []string{counterKey(userID)}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement admission counter: %w", err)
	}
	return n, nil
}
