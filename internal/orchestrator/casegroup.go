package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// groupCases files every test case in the tree into a target folder and adds
// it to a target set. Cases already in the folder or the set are left alone,
// so the operation converges on a rerun.
type groupCases struct {
	folderRaw string
	setRaw    string

	folder model.Ref
	set    model.Ref
}

func (op *groupCases) Name() string { return "group" }

func (op *groupCases) Fields() []string { return nil }

func (op *groupCases) Collections() []string { return []string{"Children", "TestCases"} }

func (op *groupCases) prepare(_ context.Context, _ *Run) error {
	if strings.TrimSpace(op.folderRaw) != "" {
		folder, err := model.Normalize(model.TypeFolder, op.folderRaw)
		if err != nil {
			return fmt.Errorf("normalizing test folder reference: %w", err)
		}
		op.folder = folder
	}
	if strings.TrimSpace(op.setRaw) != "" {
		set, err := model.Normalize(model.TypeSet, op.setRaw)
		if err != nil {
			return fmt.Errorf("normalizing test set reference: %w", err)
		}
		op.set = set
	}
	return nil
}

func (op *groupCases) Visit(ctx context.Context, run *Run, node model.Node) error {
	cases, err := run.Collection(ctx, node, "TestCases", []string{"TestFolder"}, []string{"TestSets"})
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTotal))

		if !op.folder.Empty() && testCase.RefID("TestFolder") != op.folder.ID {
			if err := run.API.Update(ctx, testCase.Ref, map[string]any{"TestFolder": op.folder}); err != nil {
				return fmt.Errorf("filing test case into folder: %w", err)
			}
			run.Reporter.Report(progress.D(model.CounterFolderChanges))
		}

		if op.set.Empty() {
			continue
		}
		member, err := op.inSet(ctx, run, testCase)
		if err != nil {
			return err
		}
		if member {
			continue
		}
		if err := run.API.AddToCollection(ctx, testCase.Ref, "TestSets", []model.Ref{op.set}); err != nil {
			return fmt.Errorf("adding test case to test set: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterSetChanges))
	}
	return nil
}

func (op *groupCases) inSet(ctx context.Context, run *Run, testCase model.Node) (bool, error) {
	sets, err := run.Collection(ctx, testCase, "TestSets", nil, nil)
	if err != nil {
		return false, fmt.Errorf("getting test sets of test case: %w", err)
	}
	for _, set := range sets {
		if set.Ref.ID == op.set.ID {
			return true, nil
		}
	}
	return false, nil
}
