package hsm

import (
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// runTransitions is the allowed run lifecycle graph. A run is created,
// starts running, and terminates exactly once as completed or failed.
var runTransitions = map[model.RunStatus][]model.RunStatus{
	model.RunStatusCreated:  {model.RunStatusRunning, model.RunStatusFailed},
	model.RunStatusRunning:  {model.RunStatusComplete, model.RunStatusFailed},
	model.RunStatusComplete: {},
	model.RunStatusFailed:   {},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to model.RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateRunTransition returns a descriptive error when a transition is not
// allowed.
func ValidateRunTransition(from, to model.RunStatus) error {
	if !CanTransitionRun(from, to) {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

// TerminalRunStatus reports whether a run status admits no further
// transitions.
func TerminalRunStatus(status model.RunStatus) bool {
	return len(runTransitions[status]) == 0
}
