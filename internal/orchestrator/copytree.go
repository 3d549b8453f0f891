package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// copyTree replicates the story tree under another parent story, preserving
// the hierarchy and optionally copying each story's tasks and test cases.
// Owner, project, release, and iteration can be remapped by name for the
// copies. Copying a tree into itself and copying under a parent that carries
// tasks are both rejected before any story is created.
type copyTree struct {
	parentRaw     string
	withTasks     bool
	withCases     bool
	ownerName     string
	projectName   string
	releaseName   string
	iterationName string

	parent    model.Ref
	owner     model.Ref
	project   model.Ref
	release   model.Ref
	iteration model.Ref

	// copies maps a source story id to its copy, so children created later
	// in the walk find their copied parent.
	copies map[string]model.Ref
}

func newCopyTree(req RunRequest) *copyTree {
	return &copyTree{
		parentRaw:     req.CopyParentRef,
		withTasks:     req.CopyTasks,
		withCases:     req.CopyCases,
		ownerName:     req.OwnerName,
		projectName:   req.ProjectName,
		releaseName:   req.ReleaseName,
		iterationName: req.IterationName,
		copies:        map[string]model.Ref{},
	}
}

func (op *copyTree) Name() string { return "copy" }

func (op *copyTree) Fields() []string {
	return []string{"Name", "Description", "Owner", "Parent"}
}

func (op *copyTree) Collections() []string {
	return []string{"Children", "Tasks", "TestCases"}
}

func (op *copyTree) prepare(ctx context.Context, run *Run) error {
	parent, err := model.Normalize(model.TypeStory, op.parentRaw)
	if err != nil {
		return fmt.Errorf("normalizing copy parent reference: %w", err)
	}
	op.parent = parent

	for _, raw := range run.Req.RootRefs {
		root, err := model.Normalize(model.TypeStory, raw)
		if err != nil {
			return fmt.Errorf("normalizing root reference: %w", err)
		}
		if root.ID == op.parent.ID {
			return fmt.Errorf("cannot copy a tree into itself")
		}
	}

	parentNode, err := run.API.GetItem(ctx, op.parent, nil, []string{"Tasks"})
	if err != nil {
		return fmt.Errorf("getting data on copy parent: %w", err)
	}
	if parentNode.Collection("Tasks").Count > 0 {
		return fmt.Errorf("copy parent already has tasks")
	}

	if op.owner, err = tracker.NormalizeByName(ctx, run.API, model.TypeUser, op.ownerName); err != nil {
		return err
	}
	if op.project, err = tracker.NormalizeByName(ctx, run.API, model.TypeProject, op.projectName); err != nil {
		return err
	}
	if op.release, err = tracker.NormalizeByName(ctx, run.API, model.TypeRelease, op.releaseName); err != nil {
		return err
	}
	if op.iteration, err = tracker.NormalizeByName(ctx, run.API, model.TypeIteration, op.iterationName); err != nil {
		return err
	}
	return nil
}

func (op *copyTree) Visit(ctx context.Context, run *Run, node model.Node) error {
	if node.Ref.ID == op.parent.ID {
		return fmt.Errorf("cannot copy a tree into itself")
	}
	run.Reporter.Report(progress.D(model.CounterStoryTotal))

	targetParent := op.parent
	if sourceParent := node.RefID("Parent"); sourceParent != "" {
		if copied, ok := op.copies[sourceParent]; ok {
			targetParent = copied
		}
	}

	fields := map[string]any{
		"Name":        node.String("Name"),
		"Description": node.String("Description"),
		"Parent":      targetParent,
	}
	if !op.owner.Empty() {
		fields["Owner"] = op.owner
	} else if ownerID := node.RefID("Owner"); ownerID != "" {
		fields["Owner"] = model.Ref{Type: model.TypeUser, ID: ownerID}
	}
	if !op.project.Empty() {
		fields["Project"] = op.project
	}
	if !op.release.Empty() {
		fields["Release"] = op.release
	}
	if !op.iteration.Empty() {
		fields["Iteration"] = op.iteration
	}
	copyRef, err := run.API.Create(ctx, model.TypeStory, fields)
	if err != nil {
		return fmt.Errorf("creating copy of user story: %w", err)
	}
	op.copies[node.Ref.ID] = copyRef
	run.Reporter.Report(progress.D(model.CounterStoryChanges))

	if op.withTasks {
		if err := op.copyTasks(ctx, run, node, copyRef); err != nil {
			return err
		}
	}
	if op.withCases {
		if err := op.copyCases(ctx, run, node, copyRef); err != nil {
			return err
		}
	}
	return nil
}

func (op *copyTree) copyTasks(ctx context.Context, run *Run, node model.Node, copyRef model.Ref) error {
	tasks, err := run.Collection(ctx, node, "Tasks", []string{"Name", "Description", "Owner"}, nil)
	if err != nil {
		return fmt.Errorf("getting tasks of user story: %w", err)
	}
	for _, task := range tasks {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTaskTotal))
		fields := map[string]any{
			"Name":        task.String("Name"),
			"Description": task.String("Description"),
			"WorkProduct": copyRef,
		}
		if ownerID := task.RefID("Owner"); ownerID != "" {
			fields["Owner"] = model.Ref{Type: model.TypeUser, ID: ownerID}
		}
		if _, err := run.API.Create(ctx, model.TypeTask, fields); err != nil {
			return fmt.Errorf("creating copy of task: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterTaskChanges))
	}
	return nil
}

func (op *copyTree) copyCases(ctx context.Context, run *Run, node model.Node, copyRef model.Ref) error {
	cases, err := run.Collection(ctx, node, "TestCases", []string{"Name", "Description", "Owner", "Priority"}, nil)
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterCaseTotal))
		fields := map[string]any{
			"Name":        testCase.String("Name"),
			"Description": testCase.String("Description"),
			"Priority":    testCase.String("Priority"),
			"WorkProduct": copyRef,
		}
		if ownerID := testCase.RefID("Owner"); ownerID != "" {
			fields["Owner"] = model.Ref{Type: model.TypeUser, ID: ownerID}
		}
		if _, err := run.API.Create(ctx, model.TypeCase, fields); err != nil {
			return fmt.Errorf("creating copy of test case: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterCaseChanges))
	}
	return nil
}
