package forgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Forgeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Step and run calls can block on the generator, so the
// timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// Workflow represents the API workflow state (partial).
type Workflow struct {
	ID          string         `json:"id"`
	Requirement string         `json:"requirement"`
	Current     string         `json:"current"`
	Status      string         `json:"status"`
	Steps       int            `json:"steps"`
	Retries     map[string]int `json:"retries"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// WorkflowSummary is one row of the workflow listing.
type WorkflowSummary struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	Status      string `json:"status"`
	Current     string `json:"current"`
	Steps       int    `json:"steps"`
	UpdatedAt   string `json:"updated_at"`
}

// StepEvent describes a committed step.
type StepEvent struct {
	Node      string `json:"node"`
	Next      string `json:"next"`
	Retries   int    `json:"retries"`
	Forced    bool   `json:"forced,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

// Stop explains why a step or run ended early. Resumable stops leave the checkpoint untouched.
type Stop struct {
	Node      string `json:"node"`
	Kind      string `json:"kind"`
	Resumable bool   `json:"resumable"`
	Message   string `json:"message"`
}

type StepResult struct {
	Workflow Workflow   `json:"workflow"`
	Event    *StepEvent `json:"event,omitempty"`
	Stopped  *Stop      `json:"stopped,omitempty"`
}

type RunResult struct {
	Workflow Workflow `json:"workflow"`
	Stopped  *Stop    `json:"stopped,omitempty"`
}

// FeedbackRequest is a human review waiting for (or holding) an answer.
type FeedbackRequest struct {
	ID         string  `json:"id"`
	WorkflowID string  `json:"workflow_id"`
	Step       int     `json:"step"`
	Stage      string  `json:"stage"`
	Prompt     string  `json:"prompt"`
	Artifact   string  `json:"artifact"`
	Automated  string  `json:"automated_feedback,omitempty"`
	Status     string  `json:"status"`
	Response   *string `json:"response,omitempty"`
	AnsweredBy *string `json:"answered_by,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Node       string         `json:"node"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartWorkflow creates a workflow. An empty id lets the server pick one.
func (c *Client) StartWorkflow(ctx context.Context, id, requirement string) (Workflow, error) {
	body := map[string]any{"requirement": requirement}
	if id != "" {
		body["id"] = id
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", body, &resp)
	return resp, err
}

// Workflow returns the current state.
func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.workflowPath(id, ""), nil, &resp)
	return resp, err
}

// Workflows lists workflows, optionally filtered by status.
func (c *Client) Workflows(ctx context.Context, status string) ([]WorkflowSummary, error) {
	endpoint := "v0/workflows"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []WorkflowSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Step runs one step.
func (c *Client) Step(ctx context.Context, id string) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, c.workflowPath(id, "step"), nil, &resp)
	return resp, err
}

// Run steps until completion or a stop.
func (c *Client) Run(ctx context.Context, id string) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, c.workflowPath(id, "run"), nil, &resp)
	return resp, err
}

func (c *Client) Abandon(ctx context.Context, id, reason string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.workflowPath(id, "abandon"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// PendingFeedback returns the workflow's open human review.
func (c *Client) PendingFeedback(ctx context.Context, id string) (FeedbackRequest, error) {
	var resp FeedbackRequest
	err := c.do(ctx, http.MethodGet, c.workflowPath(id, "feedback"), nil, &resp)
	return resp, err
}

// SubmitFeedback answers the open human review. An empty response means no input.
func (c *Client) SubmitFeedback(ctx context.Context, id, response string) (FeedbackRequest, error) {
	var resp FeedbackRequest
	err := c.do(ctx, http.MethodPost, c.workflowPath(id, "feedback"), map[string]any{"response": response}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, workflowID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workflowPath(id, p string) string {
	endpoint := "v0/workflows/" + url.PathEscape(id)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
