package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// assignProject moves every story in the tree, and each story's test cases,
// into a named project. Leaf stories can additionally be scheduled into a
// named release and iteration. A story needing several field changes gets
// them in a single update.
type assignProject struct {
	projectName   string
	releaseName   string
	iterationName string

	project   model.Ref
	release   model.Ref
	iteration model.Ref
}

func (op *assignProject) Name() string { return "project" }

func (op *assignProject) Fields() []string {
	return []string{"Project", "Release", "Iteration"}
}

func (op *assignProject) Collections() []string { return []string{"Children", "TestCases"} }

func (op *assignProject) prepare(ctx context.Context, run *Run) error {
	project, err := tracker.NormalizeByName(ctx, run.API, model.TypeProject, op.projectName)
	if err != nil {
		return err
	}
	if project.Empty() {
		return fmt.Errorf("no project given")
	}
	op.project = project

	if op.release, err = tracker.NormalizeByName(ctx, run.API, model.TypeRelease, op.releaseName); err != nil {
		return err
	}
	if op.iteration, err = tracker.NormalizeByName(ctx, run.API, model.TypeIteration, op.iterationName); err != nil {
		return err
	}
	return nil
}

func (op *assignProject) Visit(ctx context.Context, run *Run, node model.Node) error {
	run.Reporter.Report(progress.D(model.CounterTotal))

	updates := map[string]any{}
	if node.RefID("Project") != op.project.ID {
		updates["Project"] = op.project
	}
	if node.Collection("Children").Count == 0 {
		if !op.release.Empty() && node.RefID("Release") != op.release.ID {
			updates["Release"] = op.release
		}
		if !op.iteration.Empty() && node.RefID("Iteration") != op.iteration.ID {
			updates["Iteration"] = op.iteration
		}
	}
	if len(updates) > 0 {
		if err := run.API.Update(ctx, node.Ref, updates); err != nil {
			return fmt.Errorf("reassigning user story: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}

	cases, err := run.Collection(ctx, node, "TestCases", []string{"Project"}, nil)
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterCaseTotal))
		if testCase.RefID("Project") == op.project.ID {
			continue
		}
		if err := run.API.Update(ctx, testCase.Ref, map[string]any{"Project": op.project}); err != nil {
			return fmt.Errorf("reassigning test case: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterCaseChanges))
	}
	return nil
}
