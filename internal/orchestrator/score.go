package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// scoreTree computes a weighted pass score for the tree. Every test case
// contributes a weight derived from its risk and priority; cases whose last
// verdict is a pass contribute their weight to the numerator. Defects are
// tallied by severity. The tree is never mutated, so child subtrees are
// scored concurrently; the final score is reported once every subtree has
// joined.
type scoreTree struct {
	riskWeight     int64
	priorityWeight int64

	passes      atomic.Int64
	fails       atomic.Int64
	numerator   atomic.Int64
	denominator atomic.Int64
}

func newScoreTree(req RunRequest) *scoreTree {
	op := &scoreTree{riskWeight: int64(req.RiskWeight), priorityWeight: int64(req.PriorityWeight)}
	if op.riskWeight <= 0 {
		op.riskWeight = 1
	}
	if op.priorityWeight <= 0 {
		op.priorityWeight = 1
	}
	return op
}

func (op *scoreTree) Name() string { return "score" }

func (op *scoreTree) Fields() []string { return nil }

func (op *scoreTree) Collections() []string {
	return []string{"Children", "TestCases", "Defects"}
}

func (op *scoreTree) fanOut() {}

func riskValue(risk string) int64 {
	switch risk {
	case "High":
		return 3
	case "Medium":
		return 2
	default:
		return 1
	}
}

func priorityValue(priority string) int64 {
	switch priority {
	case "Critical":
		return 3
	case "Important":
		return 2
	default:
		return 1
	}
}

func (op *scoreTree) Visit(ctx context.Context, run *Run, node model.Node) error {
	run.Reporter.Report(progress.D(model.CounterTotal))

	cases, err := run.Collection(ctx, node, "TestCases", []string{"LastVerdict", "Risk", "Priority"}, nil)
	if err != nil {
		return fmt.Errorf("getting test cases of user story: %w", err)
	}
	for _, testCase := range cases {
		weight := riskValue(testCase.String("Risk"))*op.riskWeight +
			priorityValue(testCase.String("Priority"))*op.priorityWeight
		op.denominator.Add(weight)
		switch testCase.String("LastVerdict") {
		case "Pass":
			op.numerator.Add(weight)
			op.passes.Add(1)
			run.Reporter.Report(progress.D(model.CounterPasses))
		case "":
		default:
			op.fails.Add(1)
			run.Reporter.Report(progress.D(model.CounterFails))
		}
	}

	defects, err := run.Collection(ctx, node, "Defects", []string{"Severity"}, nil)
	if err != nil {
		return fmt.Errorf("getting defects of user story: %w", err)
	}
	for _, defect := range defects {
		deltas := []progress.Delta{progress.D(model.CounterDefects)}
		switch defect.String("Severity") {
		case "Major Problem":
			deltas = append(deltas, progress.D(model.CounterMajor))
		case "Minor Problem":
			deltas = append(deltas, progress.D(model.CounterMinor))
		}
		run.Reporter.Report(deltas...)
	}
	return nil
}

// finish reports the score once, after every subtree has joined.
func (op *scoreTree) finish(run *Run) {
	denominator := op.denominator.Load()
	if denominator == 0 {
		return
	}
	score := int64(math.Round(100 * float64(op.numerator.Load()) / float64(denominator)))
	run.Reporter.Report(progress.N(model.CounterScore, score))
}
