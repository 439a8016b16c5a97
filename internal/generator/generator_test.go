package generator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/generator"
	"forgeline/internal/generator/generatortest"
)

func constant(content string) generator.Func {
	return func(ctx context.Context, req generator.Request) (generator.Response, error) {
		return generator.Response{Content: content}, nil
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    domain.Outcome
		wantErr error
	}{
		{name: "accepted", reply: `{"decision": "Accepted"}`, want: domain.Accepted},
		{name: "rejected lowercase", reply: `{"decision": "rejected"}`, wantErr: domain.ErrContractViolation},
		{name: "fenced", reply: "```json\n{\"decision\": \"Rejected\"}\n```", want: domain.Rejected},
		{name: "maybe", reply: `{"decision": "Maybe"}`, wantErr: domain.ErrContractViolation},
		{name: "unknown field", reply: `{"decision": "Accepted", "why": "x"}`, wantErr: domain.ErrContractViolation},
		{name: "prose", reply: `Accepted`, wantErr: domain.ErrContractViolation},
		{name: "trailing", reply: `{"decision": "Accepted"} {}`, wantErr: domain.ErrContractViolation},
		{name: "empty", reply: ``, wantErr: domain.ErrContractViolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := generator.Decide(context.Background(), constant(tc.reply), generator.Request{})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDraftArtifact(t *testing.T) {
	ctx := context.Background()

	a, err := generator.DraftArtifact(ctx, constant(`{"name": "todo", "files": [{"category": "Backend", "path": "cmd/main.go", "content": "package main"}]}`),
		domain.KindCodeProject, generator.Request{})
	require.NoError(t, err)
	require.NotNil(t, a.Code)
	assert.Equal(t, domain.CategoryBackend, a.Code.Files[0].Category)

	_, err = generator.DraftArtifact(ctx, constant(`{"name": "todo", "files": [{"category": "mobile", "path": "a.go", "content": ""}]}`),
		domain.KindCodeProject, generator.Request{})
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	_, err = generator.DraftArtifact(ctx, constant(`{"files": [{"path": "a_test.go", "content": "x"}, {"path": "./a_test.go", "content": "y"}]}`),
		domain.KindTestSuite, generator.Request{})
	assert.ErrorIs(t, err, domain.ErrContractViolation, "duplicate paths")

	_, err = generator.DraftArtifact(ctx, constant(`{"user_stories": []}`), domain.KindUserStories, generator.Request{})
	assert.ErrorIs(t, err, domain.ErrContractViolation)
}

func TestDraftArtifactSetsSchemaAndRole(t *testing.T) {
	g := generatortest.New()
	_, err := generator.DraftArtifact(context.Background(), g, domain.KindDesignDocuments, generator.Request{Stage: domain.StageDesignDocuments})
	require.NoError(t, err)
	calls := g.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, generator.ArtifactSchema(domain.KindDesignDocuments), calls[0].Schema)
	assert.Equal(t, generator.RoleAuthor, calls[0].Role)
}

func TestCritiqueRejectsEmptyFeedback(t *testing.T) {
	_, err := generator.Critique(context.Background(), constant(`{"feedback": "  "}`), generator.Request{})
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	text, err := generator.Critique(context.Background(), constant(`{"feedback": "add error states"}`), generator.Request{})
	require.NoError(t, err)
	assert.Equal(t, "add error states", text)
}

func messageJSON(text string) map[string]any {
	return map[string]any{
		"id":    "msg_test",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-test",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{"input_tokens": 12, "output_tokens": 7},
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON(`{"decision": "Accepted"}`))
	}))
	defer server.Close()

	a, err := generator.NewAnthropic(generator.AnthropicOptions{
		APIKey:         "test-key",
		Model:          "claude-test",
		RequestOptions: []option.RequestOption{option.WithBaseURL(server.URL)},
	})
	require.NoError(t, err)

	resp, err := a.Generate(context.Background(), generator.Request{Schema: generator.SchemaDecision, System: "decide", Context: "the artifact"})
	require.NoError(t, err)
	assert.Equal(t, `{"decision": "Accepted"}`, resp.Content)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)
	assert.Equal(t, "claude-test", body["model"])
}

func TestAnthropicAuthenticationError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	a, err := generator.NewAnthropic(generator.AnthropicOptions{
		APIKey:         "bad",
		Model:          "claude-test",
		MaxRetries:     3,
		RequestOptions: []option.RequestOption{option.WithBaseURL(server.URL)},
	})
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), generator.Request{Schema: generator.SchemaFeedback})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, int32(1), hits.Load(), "authentication errors are not retried")
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := generator.NewAnthropic(generator.AnthropicOptions{Model: "m"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	cfg := config.Default()
	cfg.Generator.APIKeyEnv = "FORGELINE_TEST_MISSING_KEY"
	t.Setenv("FORGELINE_TEST_MISSING_KEY", "")
	_, err = generator.New(cfg, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Generator.Provider = "openai"
	_, err := generator.New(cfg, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestClaudeCLI(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	script := "#!/bin/sh\necho '{\"type\":\"result\",\"is_error\":false,\"result\":\"{\\\"feedback\\\": \\\"ok\\\"}\"}'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	g := generator.ClaudeCLI{Bin: bin}
	text, err := generator.Critique(context.Background(), g, generator.Request{Context: "artifact"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestInstrumentedPassesThrough(t *testing.T) {
	g := generator.Instrumented{Next: constant(`{"feedback": "fine"}`), Provider: "test", Model: "m"}
	text, err := generator.Critique(context.Background(), g, generator.Request{Stage: domain.StageCode})
	require.NoError(t, err)
	assert.Equal(t, "fine", text)
}
