package workers

import (
	"context"
	"encoding/json"

	"github.com/atelier-ai/task-service/internal/queue"
)

// EchoHandler returns the job's input as its output. Real tools are executed
// by provider-specific handlers registered at startup; echo exists so the
// pipeline can run end to end without any provider attached.
func EchoHandler(ctx context.Context, job queue.Job, progress func(int)) (json.RawMessage, error) {
	progress(100)
	return job.InputParams, nil
}
