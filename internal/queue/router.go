package queue

import (
	"fmt"

	"github.com/atelier-ai/task-service/internal/tools"
)

// Priority classes. Lower is more urgent. Interactive end-user traffic
// outranks operator-console bulk work so admin operations cannot starve
// user-facing latency.
const (
	PriorityClassWeb   = "web"
	PriorityClassAdmin = "admin"

	priorityWeb   = 5
	priorityAdmin = 10
)

// PriorityFor maps a priority class to its numeric urgency
func PriorityFor(class string) int {
	if class == PriorityClassAdmin {
		return priorityAdmin
	}
	return priorityWeb
}

// QueueName returns the named queue for a provider. One queue per provider
// isolates a slow backend from starving unrelated jobs and lets worker
// pools scale independently per provider.
func QueueName(prefix, provider string) string {
	return fmt.Sprintf("%s:%s", prefix, provider)
}

// ResolveProvider picks the compute provider for a job. A step's own
// provider wins over the tool-level provider; the deployment default is
// the last resort.
func ResolveProvider(snap tools.ConfigSnapshot, stepName, defaultProvider string) string {
	if stepName != "" {
		if step, ok := tools.StepByName(snap.Steps, stepName); ok && step.Provider != "" {
			return step.Provider
		}
	}
	if snap.Provider != "" {
		return snap.Provider
	}
	return defaultProvider
}
