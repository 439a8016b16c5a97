package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkflowStarted   = "workflow.started"
	StepCompleted     = "step.completed"
	WorkflowCompleted = "workflow.completed"
	WorkflowAbandoned = "workflow.abandoned"
	FeedbackRequested = "feedback.requested"
	FeedbackSubmitted = "feedback.submitted"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workflowID, node, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workflow_id,node,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(workflowID), nullable(node), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Record is an event not yet persisted; stores write it alongside the checkpoint it describes.
type Record struct {
	Type    string       `json:"type"`
	Node    string       `json:"node,omitempty"`
	ActorID string       `json:"actor_id"`
	Payload EventPayload `json:"payload,omitempty"`
}
