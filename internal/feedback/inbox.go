package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/domain"
)

// InboxStore persists feedback requests. RequestFeedback must be idempotent per
// (workflow, step) and return the stored request, answered or not.
type InboxStore interface {
	RequestFeedback(ctx context.Context, fr domain.FeedbackRequest) (domain.FeedbackRequest, error)
}

// Inbox records a request and returns the answer once someone submits it through the CLI or
// HTTP API. With PollInterval zero it returns domain.ErrAwaitingInput immediately; otherwise it
// polls until answered or the context ends.
type Inbox struct {
	Store        InboxStore
	PollInterval time.Duration
}

func (in Inbox) Collect(ctx context.Context, req Request) (string, error) {
	fr := domain.FeedbackRequest{
		WorkflowID: req.WorkflowID,
		Step:       req.Step,
		Stage:      req.Stage,
		Prompt:     req.Prompt,
		Artifact:   req.Artifact,
		Automated:  req.Automated,
	}
	for {
		stored, err := in.Store.RequestFeedback(ctx, fr)
		if err != nil {
			return "", err
		}
		if stored.Response != nil {
			return *stored.Response, nil
		}
		if in.PollInterval <= 0 {
			return "", fmt.Errorf("%w: workflow %s, %s", domain.ErrAwaitingInput, req.WorkflowID, req.Stage)
		}
		t := time.NewTimer(in.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", domain.ErrHumanInputTimeout, req.Stage)
			}
			return "", fmt.Errorf("%w: %v", domain.ErrHumanInputCancelled, ctx.Err())
		case <-t.C:
		}
	}
}
