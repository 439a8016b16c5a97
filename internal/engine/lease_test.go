package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/feedback"
	"forgeline/internal/generator/generatortest"
	"forgeline/internal/migrate"
	"forgeline/internal/pipeline"
	"forgeline/internal/repo"
)

func sharedStore(t *testing.T) repo.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetMaxOpenConns(1)
	require.NoError(t, migrate.Migrate(conn))
	return repo.NewStore(conn)
}

// process builds an engine as a separate `fl` process would: its own owner id and collector,
// sharing only the database. A nil locker models a writer whose lease has lapsed unnoticed.
func process(t *testing.T, store repo.Store, owner string, locker engine.Locker, human feedback.CollectorFunc) *engine.Engine {
	t.Helper()
	graph, err := pipeline.NewGraph(pipeline.GraphOptions{})
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{
		Store: store,
		Stages: pipeline.NewStages(pipeline.Deps{
			Generator: generatortest.New(),
			Human:     human,
		}),
		Graph: graph,
		Guard: pipeline.RetryGuard{Thresholds: map[domain.StageID]int{
			domain.StageUserStories:     1,
			domain.StageDesignDocuments: 1,
			domain.StageCode:            4,
			domain.StageTestReview:      1,
		}},
		Locker:   locker,
		Owner:    owner,
		LeaseTTL: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	return eng
}

// blockingReview answers once release is closed, or gives up with the context.
func blockingReview(entered, release chan struct{}) feedback.CollectorFunc {
	return func(ctx context.Context, _ feedback.Request) (string, error) {
		close(entered)
		select {
		case <-release:
			return "Accepted", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func accept(context.Context, feedback.Request) (string, error) { return "Accepted", nil }

func stepN(t *testing.T, eng *engine.Engine, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := eng.Step(context.Background(), id)
		require.NoError(t, err, "step %d", i+1)
	}
}

func TestLeaseIsRenewedDuringLongReview(t *testing.T) {
	store := sharedStore(t)
	entered, release := make(chan struct{}), make(chan struct{})
	a := process(t, store, "proc-a", store, blockingReview(entered, release))
	b := process(t, store, "proc-b", store, accept)

	st, err := a.Start(context.Background(), "wf-lease", "req")
	require.NoError(t, err)
	stepN(t, a, st.ID, 2)

	done := make(chan error, 1)
	go func() {
		_, err := a.Step(context.Background(), st.ID)
		done <- err
	}()
	<-entered
	time.Sleep(1 * time.Second)

	_, err = b.Abandon(context.Background(), st.ID, "taking over", "bob")
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)
	_, err = b.Step(context.Background(), st.ID)
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)

	close(release)
	require.NoError(t, <-done)
	got, err := store.Load(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 3, got.Steps)
}

func TestStaleWriterCannotUndoAbandon(t *testing.T) {
	store := sharedStore(t)
	entered, release := make(chan struct{}), make(chan struct{})
	a := process(t, store, "proc-a", nil, blockingReview(entered, release))
	b := process(t, store, "proc-b", store, accept)

	st, err := a.Start(context.Background(), "wf-stale", "req")
	require.NoError(t, err)
	stepN(t, a, st.ID, 2)

	done := make(chan error, 1)
	go func() {
		_, err := a.Step(context.Background(), st.ID)
		done <- err
	}()
	<-entered

	abandoned, err := b.Abandon(context.Background(), st.ID, "requirement dropped", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, abandoned.Status)

	close(release)
	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStaleState)
	se, ok := engine.AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindStale, se.Kind)

	got, err := store.Load(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, got.Status)
	assert.Equal(t, "requirement dropped", got.Reason)
	assert.Equal(t, 2, got.Steps)
	assert.Equal(t, node(domain.StageUserStories, domain.StepHumanReview), got.Current)

	_, err = a.Step(context.Background(), st.ID)
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestLostLeaseCancelsBlockedStep(t *testing.T) {
	store := sharedStore(t)
	entered, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	a := process(t, store, "proc-a", store, blockingReview(entered, release))

	st, err := a.Start(context.Background(), "wf-lost", "req")
	require.NoError(t, err)
	stepN(t, a, st.ID, 2)

	done := make(chan error, 1)
	go func() {
		_, err := a.Step(context.Background(), st.ID)
		done <- err
	}()
	<-entered

	tx, err := store.Repo.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, store.Repo.UpsertLease(context.Background(), tx, domain.Lease{
		WorkflowID: st.ID,
		OwnerID:    "intruder",
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
		ExpiresAt:  time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano),
	}))
	require.NoError(t, tx.Commit())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrStaleState)
	case <-time.After(5 * time.Second):
		t.Fatal("step kept running after its lease was taken")
	}
	got, err := store.Load(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Steps)
}
