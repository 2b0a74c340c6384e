package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atelier-ai/task-service/internal/tools"
)

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, priorityWeb, PriorityFor(PriorityClassWeb))
	assert.Equal(t, priorityAdmin, PriorityFor(PriorityClassAdmin))
	// Unknown classes default to the interactive tier
	assert.Equal(t, priorityWeb, PriorityFor(""))
	assert.Equal(t, priorityWeb, PriorityFor("bogus"))

	// Lower number dequeues first
	assert.Less(t, PriorityFor(PriorityClassWeb), PriorityFor(PriorityClassAdmin))
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "tasks:replicate", QueueName("tasks", "replicate"))
	assert.Equal(t, "tasks:runpod", QueueName("tasks", "runpod"))
}

func TestResolveProvider(t *testing.T) {
	snap := tools.ConfigSnapshot{
		Provider: "replicate",
		Steps:    json.RawMessage(`[{"name": "generate"}, {"name": "upscale", "provider": "runpod"}]`),
	}

	// Step override wins
	assert.Equal(t, "runpod", ResolveProvider(snap, "upscale", "fallback"))
	// Step without its own provider falls back to the tool provider
	assert.Equal(t, "replicate", ResolveProvider(snap, "generate", "fallback"))
	// No step name means tool provider
	assert.Equal(t, "replicate", ResolveProvider(snap, "", "fallback"))
	// Nothing configured means the deployment default
	assert.Equal(t, "fallback", ResolveProvider(tools.ConfigSnapshot{}, "", "fallback"))
}

func TestScoreOrdering(t *testing.T) {
	// Same priority: earlier sequence dequeues first
	assert.Less(t, score(priorityWeb, 1), score(priorityWeb, 2))
	// Priority dominates sequence entirely
	assert.Less(t, score(priorityWeb, 1<<39), score(priorityAdmin, 0))
}
