package forgelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepSendsCredentialsAndDecodesStop(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflow": map[string]any{"id": "wf 1", "current": "code.human_review", "steps": 10},
			"stopped":  map[string]any{"node": "code.human_review", "kind": "awaiting_input", "resumable": true},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "fl_key"
	res, err := c.Step(context.Background(), "wf 1")
	require.NoError(t, err)
	assert.Equal(t, "/v0/workflows/wf%201/step", gotPath)
	assert.Equal(t, "fl_key", gotKey)
	require.NotNil(t, res.Stopped)
	assert.Equal(t, "awaiting_input", res.Stopped.Kind)
	assert.Nil(t, res.Event)
	assert.Equal(t, 10, res.Workflow.Steps)
}

func TestErrorEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_running","message":"workflow is not running"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Run(context.Background(), "wf-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_running", apiErr.Code)
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"step.completed"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), "wf-1", 1, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1&workflow_id=wf-1", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "3", page.NextCursor)
}
