package engine

import (
	"context"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

// Kind classifies a failed tick for callers and logs.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindContract       Kind = "contract_violation"
	KindAuthentication Kind = "authentication"
	KindRateLimited    Kind = "rate_limited"
	KindHumanTimeout   Kind = "human_timeout"
	KindHumanCancelled Kind = "human_cancelled"
	KindAwaitingInput  Kind = "awaiting_input"
	KindPersistence    Kind = "persistence"
	KindStale          Kind = "stale_state"
	KindRouting        Kind = "routing_violation"
	KindCancelled      Kind = "cancelled"
	KindGenerator      Kind = "generator"
)

// StageError is returned by Step and Run when a tick fails. Resumable reports whether the
// workflow can continue from its last checkpoint.
type StageError struct {
	WorkflowID string
	Node       domain.NodeID
	Kind       Kind
	Resumable  bool
	Err        error
}

func (e *StageError) Error() string {
	state := "resumable"
	if !e.Resumable {
		state = "not resumable"
	}
	return fmt.Sprintf("workflow %s at %s: %s (%s): %v", e.WorkflowID, e.Node, e.Kind, state, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func classify(err error) (Kind, bool) {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return KindConfiguration, false
	case errors.Is(err, domain.ErrRoutingViolation):
		return KindRouting, false
	case errors.Is(err, domain.ErrContractViolation):
		return KindContract, true
	case errors.Is(err, domain.ErrAuthentication):
		return KindAuthentication, true
	case errors.Is(err, domain.ErrRateLimited):
		return KindRateLimited, true
	case errors.Is(err, domain.ErrHumanInputTimeout):
		return KindHumanTimeout, true
	case errors.Is(err, domain.ErrHumanInputCancelled):
		return KindHumanCancelled, true
	case errors.Is(err, domain.ErrAwaitingInput):
		return KindAwaitingInput, true
	case errors.Is(err, domain.ErrStaleState):
		return KindStale, true
	case errors.Is(err, domain.ErrPersistence):
		return KindPersistence, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled, true
	}
	return KindGenerator, true
}

func stageError(id string, node domain.NodeID, err error) *StageError {
	kind, resumable := classify(err)
	return &StageError{WorkflowID: id, Node: node, Kind: kind, Resumable: resumable, Err: err}
}

// AsStageError unwraps err into a StageError when it carries one.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
