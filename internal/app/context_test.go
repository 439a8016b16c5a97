package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/feedback"
	"forgeline/internal/generator/generatortest"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func accept(context.Context, feedback.Request) (string, error) { return "Accepted", nil }

func open(t *testing.T, dir string, cfg *config.Config, opts app.Options) *app.App {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	a, err := app.Open(context.Background(), dir, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestResumeFromCheckpointAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	gen := generatortest.New().Decisions("Accepted", "Accepted", "Rejected", "Rejected")

	first := open(t, dir, cfg, app.Options{Generator: gen, Collector: feedback.CollectorFunc(accept)})
	ctx := context.Background()
	st, err := first.Engine.Start(ctx, "wf-restart", "build a login form")
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		_, err := first.Engine.Step(ctx, st.ID)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	second := open(t, dir, cfg, app.Options{Generator: generatortest.New(), Collector: feedback.CollectorFunc(accept)})
	got, err := second.Engine.State(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Node(domain.StageCode, domain.StepGenerate), got.Current)
	assert.Equal(t, 2, got.Retries.Count(domain.StageCode))
	assert.Equal(t, 16, got.Steps)

	res, err := second.Engine.Step(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Node(domain.StageCode, domain.StepGenerate), res.Event.Node)
	assert.Equal(t, domain.Node(domain.StageCode, domain.StepAutomatedReview), res.State.Current)

	cps, err := second.Store.Repo.ListCheckpoints(ctx, st.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 18)
}

func TestInboxCollectorWaitsForSubmittedFeedback(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Human.Collector = config.CollectorInbox
	a := open(t, dir, cfg, app.Options{Generator: generatortest.New()})
	ctx := context.Background()

	st, err := a.Engine.Start(ctx, "wf-inbox", "build a login form")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := a.Engine.Step(ctx, st.ID)
		require.NoError(t, err)
	}

	_, err = a.Engine.Step(ctx, st.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAwaitingInput)
	se, ok := engine.AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindAwaitingInput, se.Kind)
	assert.True(t, se.Resumable)

	pending, err := a.Store.Repo.PendingFeedback(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageUserStories, pending.Stage)
	assert.Contains(t, pending.Artifact, "Sign in")

	_, err = a.Engine.Step(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrAwaitingInput, "asking again reuses the request")
	all, err := a.Store.Repo.ListFeedback(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = a.Store.AnswerFeedback(ctx, st.ID, "Add a password reset story", "alice")
	require.NoError(t, err)
	res, err := a.Engine.Step(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Node(domain.StageUserStories, domain.StepDecide), res.State.Current)
	human := res.State.Stage(domain.StageUserStories).Human
	require.NotNil(t, human)
	assert.Equal(t, "Add a password reset story", human.Text)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := app.ResolveConfig(dir, app.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "forgeline.yml"), []byte(`
generator:
  provider: claude-cli
pipeline:
  test_review: true
`), 0o644))
	off := false
	cfg, err = app.ResolveConfig(dir, app.Overrides{Model: "claude-opus", MaxSteps: 40, TestReview: &off})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderClaudeCLI, cfg.Generator.Provider)
	assert.Equal(t, "claude-opus", cfg.Generator.Model)
	assert.Equal(t, 40, cfg.Pipeline.MaxSteps)
	assert.False(t, cfg.Pipeline.TestReview)

	_, err = app.ResolveConfig(dir, app.Overrides{Collector: "carrier-pigeon"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestOpenWithoutCredentialsFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := app.Open(context.Background(), t.TempDir(), config.Default(), app.Options{Collector: feedback.CollectorFunc(accept)})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
