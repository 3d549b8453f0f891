package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// passVerdicts records a passing result, dated now and attributed to the
// case's owner as tester, for every test case in the tree that has an owner
// and no results yet. Ownerless cases and cases with any existing result are
// counted and skipped.
type passVerdicts struct {
	build string
}

func (op *passVerdicts) Name() string { return "verdict" }

func (op *passVerdicts) Fields() []string { return nil }

func (op *passVerdicts) Collections() []string { return []string{"Children", "TestCases"} }

func (op *passVerdicts) Visit(ctx context.Context, run *Run, node model.Node) error {
	cases, err := run.Collection(ctx, node, "TestCases", []string{"Owner"}, []string{"Results", "TestSets"})
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		if run.Failed() {
			return nil
		}
		run.Reporter.Report(progress.D(model.CounterTotal))

		ownerID := testCase.RefID("Owner")
		if ownerID == "" || testCase.Collection("Results").Count > 0 {
			continue
		}

		fields := map[string]any{
			"TestCase": testCase.Ref,
			"Verdict":  "Pass",
			"Date":     time.Now().UTC().Format(time.RFC3339),
			"Tester":   model.Ref{Type: model.TypeUser, ID: ownerID},
		}
		if build := strings.TrimSpace(op.build); build != "" {
			fields["Build"] = build
		}
		if testCase.Collection("TestSets").Count > 0 {
			sets, err := run.Collection(ctx, testCase, "TestSets", nil, nil)
			if err != nil {
				return fmt.Errorf("getting test sets of test case: %w", err)
			}
			if len(sets) > 0 {
				fields["TestSet"] = sets[0].Ref
			}
		}
		if _, err := run.API.Create(ctx, model.TypeCaseResult, fields); err != nil {
			return fmt.Errorf("creating test case result: %w", err)
		}
		run.Reporter.Report(progress.D(model.CounterChanges))
	}
	return nil
}
