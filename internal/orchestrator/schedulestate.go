package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// setScheduleState drives the tree toward one schedule state. Only leaf
// stories, those with neither children nor tasks, get their schedule state
// set directly; other stories derive theirs from below. Every task in the
// tree has its state set to match.
type setScheduleState struct {
	target string
}

// taskState maps the target schedule state onto the narrower range a task
// accepts.
func (op *setScheduleState) taskState() string {
	switch op.target {
	case "Needs Definition":
		return "Defined"
	case "Accepted":
		return "Completed"
	default:
		return op.target
	}
}

func (op *setScheduleState) Name() string { return "schedule" }

func (op *setScheduleState) Fields() []string { return []string{"ScheduleState"} }

func (op *setScheduleState) Collections() []string { return []string{"Children", "Tasks"} }

func (op *setScheduleState) Visit(ctx context.Context, run *Run, node model.Node) error {
	run.Reporter.Report(progress.D(model.CounterTotal))

	leaf := node.Collection("Children").Count == 0 && node.Collection("Tasks").Count == 0
	if leaf && node.String("ScheduleState") != op.target {
		if err := run.API.Update(ctx, node.Ref, map[string]any{"ScheduleState": op.target}); err != nil {
			return fmt.Errorf("setting schedule state of user story: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}

	tasks, err := run.Collection(ctx, node, "Tasks", []string{"State"}, nil)
	if err != nil {
		return fmt.Errorf("getting tasks of user story: %w", err)
	}
	taskTarget := op.taskState()
	for _, task := range tasks {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTaskTotal))
		if task.String("State") == taskTarget {
			continue
		}
		if err := run.API.Update(ctx, task.Ref, map[string]any{"State": taskTarget}); err != nil {
			return fmt.Errorf("setting state of task: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterTaskChanges))
	}
	return nil
}
