package server

import (
	"encoding/json"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
)

// Request payloads

type CreateWorkflowRequest struct {
	ID          string `json:"id,omitempty" doc:"Instance id; a ULID is generated when empty"`
	Requirement string `json:"requirement" minLength:"1"`
}

type AbandonWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitFeedbackRequest struct {
	Response string `json:"response" doc:"Reviewer text, kept verbatim. Empty means no input."`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkflowSummaryResponse = domain.WorkflowSummary

// StopResponse explains why a step or run ended before the workflow completed.
type StopResponse struct {
	Node      string `json:"node"`
	Kind      string `json:"kind"`
	Resumable bool   `json:"resumable"`
	Message   string `json:"message"`
}

type StepResponse struct {
	Workflow *domain.WorkflowState `json:"workflow"`
	Event    *domain.StepEvent     `json:"event,omitempty"`
	Stopped  *StopResponse         `json:"stopped,omitempty"`
}

type RunResponse struct {
	Workflow *domain.WorkflowState `json:"workflow"`
	Stopped  *StopResponse         `json:"stopped,omitempty"`
}

type ProjectResponse struct {
	WorkflowID string              `json:"workflow_id"`
	Code       *domain.CodeProject `json:"code,omitempty"`
	Tests      *domain.TestSuite   `json:"tests,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Node       string         `json:"node,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		WorkflowID: e.WorkflowID,
		Node:       e.Node,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func stopResponse(se *engine.StageError) *StopResponse {
	return &StopResponse{
		Node:      string(se.Node),
		Kind:      string(se.Kind),
		Resumable: se.Resumable,
		Message:   se.Err.Error(),
	}
}

func projectResponse(st *domain.WorkflowState) ProjectResponse {
	resp := ProjectResponse{WorkflowID: st.ID, Code: st.LatestCode()}
	if a := st.Artifact(domain.StageWriteTestCases); a != nil {
		resp.Tests = a.Tests
	}
	return resp
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
