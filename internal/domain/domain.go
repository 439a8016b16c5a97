package domain

import "time"

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Node       string `json:"node,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// StepEvent is emitted after every committed step.
type StepEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Stage      StageID   `json:"stage"`
	Node       NodeID    `json:"node"`
	Step       Step      `json:"step"`
	Next       NodeID    `json:"next"`
	Decision   *Decision `json:"decision,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	Retries    int       `json:"retries"`
	Completed  bool      `json:"completed,omitempty"`
	At         time.Time `json:"at"`
}

type WorkflowSummary struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	Status      string `json:"status" enum:"running,completed,abandoned"`
	Current     string `json:"current"`
	Steps       int    `json:"steps"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Checkpoint struct {
	WorkflowID string `json:"workflow_id"`
	Steps      int    `json:"steps"`
	Node       string `json:"node"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Lease struct {
	WorkflowID string `json:"workflow_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// FeedbackRequest is a pending or answered human review, keyed by workflow and step number.
type FeedbackRequest struct {
	ID         string  `json:"id"`
	WorkflowID string  `json:"workflow_id"`
	Step       int     `json:"step"`
	Stage      StageID `json:"stage"`
	Prompt     string  `json:"prompt"`
	Artifact   string  `json:"artifact"`
	Automated  string  `json:"automated_feedback,omitempty"`
	Status     string  `json:"status" enum:"pending,answered"`
	Response   *string `json:"response,omitempty"`
	AnsweredBy *string `json:"answered_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	AnsweredAt *string `json:"answered_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
