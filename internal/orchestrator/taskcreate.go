package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// createTasks adds one task per configured name to every leaf story. Stories
// with children get nothing; tasks carry the optional owner when one was
// named.
type createTasks struct {
	names     []string
	ownerName string
	owner     model.Ref
}

func (op *createTasks) Name() string { return "task" }

func (op *createTasks) Fields() []string { return nil }

func (op *createTasks) Collections() []string { return []string{"Children"} }

func (op *createTasks) prepare(ctx context.Context, run *Run) error {
	owner, err := tracker.NormalizeByName(ctx, run.API, model.TypeUser, op.ownerName)
	if err != nil {
		return err
	}
	op.owner = owner
	return nil
}

func (op *createTasks) Visit(ctx context.Context, run *Run, node model.Node) error {
	if node.Collection("Children").Count > 0 {
		return nil
	}
	run.Reporter.Report(progress.D(model.CounterTotal))
	for _, name := range op.names {
		if run.Failed() {
			return nil
		}
		fields := map[string]any{
			"Name":        name,
			"WorkProduct": node.Ref,
		}
		if !op.owner.Empty() {
			fields["Owner"] = op.owner
		}
		if _, err := run.API.Create(ctx, model.TypeTask, fields); err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}
	return nil
}
