package providers

import (
	"context"
	"encoding/json"

	"github.com/atelier-ai/task-service/internal/queue"
)

// HTTPHandler adapts a provider endpoint to the worker handler contract.
// The job's input params go out as the request body and the provider's
// response becomes the task output. Providers in this shape are synchronous,
// so progress only moves when the call returns.
func HTTPHandler(client *Client, endpoint string) func(ctx context.Context, job queue.Job, progress func(int)) (json.RawMessage, error) {
	return func(ctx context.Context, job queue.Job, progress func(int)) (json.RawMessage, error) {
		output, err := client.Invoke(ctx, endpoint, job.InputParams)
		if err != nil {
			return nil, err
		}
		progress(100)
		return output, nil
	}
}
