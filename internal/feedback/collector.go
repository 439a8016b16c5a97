// Package feedback collects human review input. Collectors return the reviewer's text verbatim;
// an empty string means no input was given and is never read as approval.
package feedback

import (
	"context"

	"forgeline/internal/domain"
)

type Request struct {
	WorkflowID string
	Stage      domain.StageID
	// Step is the engine step number, so a re-run of the same step reuses its request.
	Step      int
	Prompt    string
	Artifact  string
	Automated string
}

type Collector interface {
	Collect(ctx context.Context, req Request) (string, error)
}

type CollectorFunc func(ctx context.Context, req Request) (string, error)

func (f CollectorFunc) Collect(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
