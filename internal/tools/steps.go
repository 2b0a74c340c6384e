package tools

import (
	"encoding/json"
	"sort"
)

// Step is one named stage of a multi-step tool. A step may override the
// tool-level provider so that, for example, generation runs on one backend
// and upscaling on another.
type Step struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Order    int    `json:"order,omitempty"`
}

// ParseSteps normalizes the two step-config shapes found in stored tools:
// the current array form
//
//	[{"name": "generate", "provider": "replicate"}, {"name": "upscale"}]
//
// and the legacy object form keyed by step name
//
//	{"generate": {"provider": "replicate", "order": 1}, "upscale": {"order": 2}}
//
// Downstream code only ever sees the ordered slice; nothing past this
// function branches on shape.
func ParseSteps(raw json.RawMessage) []Step {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var asArray []Step
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray
	}

	var asMap map[string]Step
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil
	}

	steps := make([]Step, 0, len(asMap))
	for name, step := range asMap {
		step.Name = name
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].Name < steps[j].Name
	})
	return steps
}

// StepByName returns the named step from either config shape
func StepByName(raw json.RawMessage, name string) (Step, bool) {
	for _, step := range ParseSteps(raw) {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// NextStep returns the step that follows the named one in workflow order
func NextStep(raw json.RawMessage, current string) (Step, bool) {
	steps := ParseSteps(raw)
	for i, step := range steps {
		if step.Name == current && i+1 < len(steps) {
			return steps[i+1], true
		}
	}
	return Step{}, false
}
