package hsm

import (
	"testing"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

func TestRunTransitions(t *testing.T) {
	allowed := [][2]model.RunStatus{
		{model.RunStatusCreated, model.RunStatusRunning},
		{model.RunStatusCreated, model.RunStatusFailed},
		{model.RunStatusRunning, model.RunStatusComplete},
		{model.RunStatusRunning, model.RunStatusFailed},
	}
	for _, pair := range allowed {
		if !CanTransitionRun(pair[0], pair[1]) {
			t.Fatalf("expected transition %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]model.RunStatus{
		{model.RunStatusComplete, model.RunStatusRunning},
		{model.RunStatusFailed, model.RunStatusRunning},
		{model.RunStatusRunning, model.RunStatusCreated},
		{model.RunStatusCreated, model.RunStatusComplete},
	}
	for _, pair := range denied {
		if CanTransitionRun(pair[0], pair[1]) {
			t.Fatalf("expected transition %s -> %s to be denied", pair[0], pair[1])
		}
		if err := ValidateRunTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("expected error for transition %s -> %s", pair[0], pair[1])
		}
	}
}

func TestTerminalRunStatus(t *testing.T) {
	if TerminalRunStatus(model.RunStatusRunning) {
		t.Fatalf("running should not be terminal")
	}
	if !TerminalRunStatus(model.RunStatusComplete) {
		t.Fatalf("completed should be terminal")
	}
	if !TerminalRunStatus(model.RunStatusFailed) {
		t.Fatalf("failed should be terminal")
	}
}
