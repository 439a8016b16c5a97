// Package pipeline declares the stage graph and the stages that run on it: the review cycle
// shared by user stories, design documents, code and tests, and the remediation tasks.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/feedback"
	"forgeline/internal/generator"
)

// Stage runs one step of a stage against a read-only snapshot and returns the patch to merge.
type Stage interface {
	ID() domain.StageID
	Steps() []domain.Step
	Run(ctx context.Context, step domain.Step, st *domain.WorkflowState) (domain.Patch, error)
}

type Deps struct {
	Generator generator.Generator
	Human     feedback.Collector
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewStages returns every stage keyed by id.
func NewStages(d Deps) map[domain.StageID]Stage {
	stages := []Stage{
		&ReviewCycle{id: domain.StageUserStories, subject: domain.StageUserStories, kind: domain.KindUserStories, deps: d},
		&ReviewCycle{id: domain.StageDesignDocuments, subject: domain.StageDesignDocuments, kind: domain.KindDesignDocuments, upstream: domain.StageUserStories, deps: d},
		&ReviewCycle{id: domain.StageCode, subject: domain.StageCode, kind: domain.KindCodeProject, upstream: domain.StageDesignDocuments, deps: d},
		&ReviewCycle{id: domain.StageTestReview, subject: domain.StageWriteTestCases, kind: domain.KindTestSuite, reviewOnly: true, deps: d},
		securityReview(d),
		fixAfterCodeReview(d),
		fixAfterSecurity(d),
		writeTestCases(d),
	}
	out := make(map[domain.StageID]Stage, len(stages))
	for _, s := range stages {
		out[s.ID()] = s
	}
	return out
}

// Check verifies every graph node is served by a stage that declares the node's step.
func Check(g *Graph, stages map[domain.StageID]Stage) error {
	for _, n := range g.Nodes() {
		id, step, _ := n.Split()
		s, ok := stages[id]
		if !ok {
			return fmt.Errorf("%w: node %s has no stage", domain.ErrConfiguration, n)
		}
		if !hasStep(s.Steps(), step) {
			return fmt.Errorf("%w: stage %s does not run step %s", domain.ErrConfiguration, id, step)
		}
	}
	return nil
}

func hasStep(steps []domain.Step, step domain.Step) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}
