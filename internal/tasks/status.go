package tasks

// Task lifecycle statuses. Transitions are monotonic:
// pending -> processing -> (success | failed). Only an operator
// dead-letter retry moves a task back to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// IsTerminal reports whether a status admits no further transitions
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// EffectiveStatus derives the externally-visible status of a task from its
// own column value and the statuses of its child step tasks.
//
// For multi-step tools the parent's own 'success' only means its first step
// finished; the workflow is done when every child step is done. Every surface
// that reports status (list, lookup, stream snapshot) goes through this
// function so the views cannot disagree.
func EffectiveStatus(own string, multiStep bool, children []string) string {
	if own == StatusFailed {
		return StatusFailed
	}

	if len(children) == 0 {
		// A multi-step parent that finished its own step is still waiting
		// for the next step's task to be created.
		if multiStep && own == StatusSuccess {
			return StatusProcessing
		}
		return own
	}

	anyProcessing := false
	anyPending := false
	for _, child := range children {
		switch child {
		case StatusFailed:
			return StatusFailed
		case StatusProcessing:
			anyProcessing = true
		case StatusPending:
			anyPending = true
		}
	}
	if anyProcessing {
		return StatusProcessing
	}
	if anyPending {
		return StatusPending
	}
	if own == StatusSuccess {
		return StatusSuccess
	}
	return own
}
