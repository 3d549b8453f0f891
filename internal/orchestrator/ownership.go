package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// takeOwnership assigns one user as the owner of every story in the tree and
// of the tasks and test cases attached to each story. Items already owned by
// the target user are counted but not touched, so a rerun makes no changes.
type takeOwnership struct {
	ownerName string
	ownerRef  string
	owner     model.Ref
}

func (op *takeOwnership) Name() string { return "take" }

func (op *takeOwnership) Fields() []string { return []string{"Owner"} }

func (op *takeOwnership) Collections() []string {
	return []string{"Children", "Tasks", "TestCases"}
}

func (op *takeOwnership) prepare(ctx context.Context, run *Run) error {
	if op.ownerRef != "" {
		owner, err := model.Normalize(model.TypeUser, op.ownerRef)
		if err != nil {
			return fmt.Errorf("normalizing owner reference: %w", err)
		}
		op.owner = owner
		return nil
	}
	owner, err := tracker.NormalizeByName(ctx, run.API, model.TypeUser, op.ownerName)
	if err != nil {
		return err
	}
	if owner.Empty() {
		return fmt.Errorf("no owner given")
	}
	op.owner = owner
	return nil
}

func (op *takeOwnership) Visit(ctx context.Context, run *Run, node model.Node) error {
	run.Reporter.Report(progress.D(model.CounterTotal))
	if node.RefID("Owner") != op.owner.ID {
		if err := run.API.Update(ctx, node.Ref, map[string]any{"Owner": op.owner}); err != nil {
			return fmt.Errorf("changing owner of user story: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}

	tasks, err := run.Collection(ctx, node, "Tasks", []string{"Owner"}, nil)
	if err != nil {
		return fmt.Errorf("getting tasks of user story: %w", err)
	}
	for _, task := range tasks {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTotal))
		if task.RefID("Owner") == op.owner.ID {
			continue
		}
		if err := run.API.Update(ctx, task.Ref, map[string]any{"Owner": op.owner}); err != nil {
			return fmt.Errorf("changing owner of task: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}

	cases, err := run.Collection(ctx, node, "TestCases", []string{"Owner"}, nil)
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTotal))
		if testCase.RefID("Owner") == op.owner.ID {
			continue
		}
		if err := run.API.Update(ctx, testCase.Ref, map[string]any{"Owner": op.owner}); err != nil {
			return fmt.Errorf("changing owner of test case: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}
	return nil
}
