package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// createCases derives one test case per story, named and described after the
// story and owned by the story's owner. The case can be filed into a test
// folder and added to a test set at creation time. In leaf mode only stories
// without children get a case.
type createCases struct {
	mode        string
	folderRaw   string
	setRaw      string
	projectName string

	folder  model.Ref
	set     model.Ref
	project model.Ref
}

func newCreateCases(req RunRequest) *createCases {
	mode := strings.TrimSpace(req.CaseMode)
	if mode == "" {
		mode = "all"
	}
	return &createCases{
		mode:        mode,
		folderRaw:   req.CaseFolderRef,
		setRaw:      req.CaseSetRef,
		projectName: req.ProjectName,
	}
}

func (op *createCases) Name() string { return "case" }

func (op *createCases) Fields() []string {
	return []string{"Name", "Description", "Owner"}
}

func (op *createCases) Collections() []string { return []string{"Children"} }

func (op *createCases) prepare(ctx context.Context, run *Run) error {
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
	project, err := tracker.NormalizeByName(ctx, run.API, model.TypeProject, op.projectName)
	if err != nil {
		return err
	}
	op.project = project
	return nil
}

func (op *createCases) Visit(ctx context.Context, run *Run, node model.Node) error {
	if op.mode == "leaf" && node.Collection("Children").Count > 0 {
		return nil
	}
	run.Reporter.Report(progress.D(model.CounterTotal))

	fields := map[string]any{
		"Name":        node.String("Name"),
		"Description": node.String("Description"),
		"WorkProduct": node.Ref,
	}
	if ownerID := node.RefID("Owner"); ownerID != "" {
		fields["Owner"] = model.Ref{Type: model.TypeUser, ID: ownerID}
	}
	if !op.project.Empty() {
		fields["Project"] = op.project
	}
	if !op.folder.Empty() {
		fields["TestFolder"] = op.folder
	}
	caseRef, err := run.API.Create(ctx, model.TypeCase, fields)
	if err != nil {
		return fmt.Errorf("creating test case: %w", err)
	}
	if !op.set.Empty() {
		if err := run.API.AddToCollection(ctx, caseRef, "TestSets", []model.Ref{op.set}); err != nil {
			return fmt.Errorf("adding test case to test set: %w", err)
		}
	}
	run.Reporter.Report(progress.D(model.CounterChanges))
	return nil
}
