package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is the unit handed to workers through a queue. The full payload is
// self-contained so a dead-lettered job can be replayed from its snapshot
// alone.
type Job struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	UserID       string          `json:"userId"`
	ToolSlug     string          `json:"toolSlug"`
	StepName     string          `json:"stepName,omitempty"`
	InputParams  json.RawMessage `json:"inputParams"`
	QueueName    string          `json:"queueName"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	TimeoutSec   int             `json:"timeoutSec"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

// Queue is a Redis-backed priority queue set. Each named queue is a sorted
// set whose score packs (priority, enqueue sequence): priority ordering is
// authoritative, sequence breaks ties FIFO.
type Queue struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Queue {
	return &Queue{rdb: rdb, prefix: prefix}
}

// The sequence counter occupies the low 40 bits of the score, which holds
// about a trillion enqueues before priorities could collide. float64 scores
// keep 53 bits of integer precision, leaving 13 bits for the priority.
const sequenceBits = 40

func score(priority int, seq int64) float64 {
	return float64(int64(priority)<<sequenceBits | seq)
}

// Enqueue places a job on its named queue and returns the assigned job id
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()

	seq, err := q.rdb.Incr(ctx, q.prefix+":seq").Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate enqueue sequence: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.rdb.ZAdd(ctx, job.QueueName, redis.Z{Score: score(job.Priority, seq), Member: payload}).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job on %s: %w", job.QueueName, err)
	}
	return job.ID, nil
}

// Dequeue pops the most urgent job from a named queue. Returns false when
// the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (Job, bool, error) {
	popped, err := q.rdb.ZPopMin(ctx, queueName, 1).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to pop from %s: %w", queueName, err)
	}
	if len(popped) == 0 {
		return Job{}, false, nil
	}

	member, ok := popped[0].Member.(string)
	if !ok {
		return Job{}, false, fmt.Errorf("unexpected member type on %s", queueName)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return Job{}, false, fmt.Errorf("failed to unmarshal job from %s: %w", queueName, err)
	}
	return job, true, nil
}

// Len returns the current depth of a named queue
func (q *Queue) Len(ctx context.Context, queueName string) (int64, error) {
	return q.rdb.ZCard(ctx, queueName).Result()
}
