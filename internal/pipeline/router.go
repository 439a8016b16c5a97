package pipeline

import (
	"fmt"

	"forgeline/internal/domain"
)

// Route is the Router's answer. Forced marks a rejection the guard turned into acceptance.
type Route struct {
	Next   domain.NodeID
	Forced bool
}

type Router struct {
	Graph *Graph
	Guard RetryGuard
}

// Route picks the edge out of a stage's decide node. It is pure: the result depends only on
// the arguments, and Accepted maps to the same node for every retry count.
func (r Router) Route(stage domain.StageID, outcome domain.Outcome, retryCount int) (Route, error) {
	b, ok := r.Graph.Branches(stage)
	if !ok {
		return Route{}, fmt.Errorf("%w: stage %s has no decision edges", domain.ErrRoutingViolation, stage)
	}
	switch outcome {
	case domain.Accepted:
		return Route{Next: b.Accept}, nil
	case domain.Rejected:
		if r.Guard.ShouldForceAccept(stage, retryCount) {
			return Route{Next: b.Accept, Forced: true}, nil
		}
		return Route{Next: b.Retry}, nil
	}
	return Route{}, fmt.Errorf("%w: stage %s got decision %q", domain.ErrRoutingViolation, stage, outcome)
}
