package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// planTree mirrors the story tree as a tree of test folders under a given
// parent folder: one folder per story, named and described after it. Each
// story's test cases are then either linked into the new folder or copied
// into it, depending on the mode.
type planTree struct {
	folderRaw string
	mode      string

	root model.Ref

	// folders maps a source story id to the folder that mirrors it.
	folders map[string]model.Ref
}

func newPlanTree(req RunRequest) *planTree {
	mode := strings.TrimSpace(req.PlanMode)
	if mode == "" {
		mode = "link"
	}
	return &planTree{
		folderRaw: req.PlanFolderRef,
		mode:      mode,
		folders:   map[string]model.Ref{},
	}
}

func (op *planTree) Name() string { return "plan" }

func (op *planTree) Fields() []string {
	return []string{"Name", "Description", "Parent"}
}

func (op *planTree) Collections() []string { return []string{"Children", "TestCases"} }

func (op *planTree) prepare(_ context.Context, _ *Run) error {
	root, err := model.Normalize(model.TypeFolder, op.folderRaw)
	if err != nil {
		return fmt.Errorf("normalizing parent folder reference: %w", err)
	}
	op.root = root
	return nil
}

func (op *planTree) Visit(ctx context.Context, run *Run, node model.Node) error {
	parentFolder := op.root
	if sourceParent := node.RefID("Parent"); sourceParent != "" {
		if folder, ok := op.folders[sourceParent]; ok {
			parentFolder = folder
		}
	}

	folderRef, err := run.API.Create(ctx, model.TypeFolder, map[string]any{
		"Name":        node.String("Name"),
		"Description": node.String("Description"),
		"Parent":      parentFolder,
	})
	if err != nil {
		return fmt.Errorf("creating test folder: %w", err)
	}
	op.folders[node.Ref.ID] = folderRef
	run.Reporter.Report(progress.D(model.CounterTotal))

	cases, err := run.Collection(ctx, node, "TestCases", []string{"Name", "Description", "Owner", "Priority"}, nil)
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		if op.mode == "link" {
			if err := run.API.Update(ctx, testCase.Ref, map[string]any{"TestFolder": folderRef}); err != nil {
				return fmt.Errorf("filing test case into folder: %w", err)
			}
			run.Reporter.Report(progress.D(model.CounterCaseChanges))
			continue
		}
		fields := map[string]any{
			"Name":        testCase.String("Name"),
			"Description": testCase.String("Description"),
			"Priority":    testCase.String("Priority"),
			"TestFolder":  folderRef,
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
