package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/feedback"
	"forgeline/internal/generator/generatortest"
	"forgeline/internal/pipeline"
	"forgeline/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func node(s domain.StageID, step domain.Step) domain.NodeID { return domain.Node(s, step) }

// flakyStore fails the next failSaves saves.
type flakyStore struct {
	*repo.FileStore
	mu        sync.Mutex
	failSaves int
	saves     int
}

func (s *flakyStore) Save(ctx context.Context, st *domain.WorkflowState, recs ...events.Record) error {
	s.mu.Lock()
	if s.failSaves > 0 {
		s.failSaves--
		s.mu.Unlock()
		return errors.New("disk unavailable")
	}
	s.saves++
	s.mu.Unlock()
	return s.FileStore.Save(ctx, st, recs...)
}

type harness struct {
	eng    *engine.Engine
	store  *flakyStore
	fs     afero.Fs
	gen    *generatortest.Scripted
	opts   engine.Options
	mu     sync.Mutex
	answer func(ctx context.Context, req feedback.Request) (string, error)
	seen   []domain.StepEvent
}

func newHarness(t *testing.T, mutate ...func(*engine.Options)) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	fsStore := repo.NewFileStore(fs, "/workflows")
	fsStore.Now = func() time.Time { return fixedNow }
	h := &harness{
		store: &flakyStore{FileStore: fsStore},
		fs:    fs,
		gen:   generatortest.New(),
		answer: func(context.Context, feedback.Request) (string, error) {
			return "Accepted", nil
		},
	}
	graph, err := pipeline.NewGraph(pipeline.GraphOptions{})
	require.NoError(t, err)
	h.opts = engine.Options{
		Store: h.store,
		Stages: pipeline.NewStages(pipeline.Deps{
			Generator: h.gen,
			Human: feedback.CollectorFunc(func(ctx context.Context, req feedback.Request) (string, error) {
				h.mu.Lock()
				answer := h.answer
				h.mu.Unlock()
				return answer(ctx, req)
			}),
			Now: func() time.Time { return fixedNow },
		}),
		Graph: graph,
		Guard: pipeline.RetryGuard{Thresholds: map[domain.StageID]int{
			domain.StageUserStories:     1,
			domain.StageDesignDocuments: 1,
			domain.StageCode:            4,
			domain.StageTestReview:      1,
		}},
		Observers: []engine.Observer{engine.ObserverFunc(func(_ context.Context, evt domain.StepEvent) {
			h.mu.Lock()
			h.seen = append(h.seen, evt)
			h.mu.Unlock()
		})},
		Now: func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&h.opts)
	}
	h.eng, err = engine.New(h.opts)
	require.NoError(t, err)
	return h
}

func (h *harness) setAnswer(f func(ctx context.Context, req feedback.Request) (string, error)) {
	h.mu.Lock()
	h.answer = f
	h.mu.Unlock()
}

func (h *harness) start(t *testing.T, requirement string) string {
	t.Helper()
	st, err := h.eng.Start(context.Background(), "wf-1", requirement)
	require.NoError(t, err)
	return st.ID
}

func (h *harness) steps(t *testing.T, id string, n int) engine.StepResult {
	t.Helper()
	var res engine.StepResult
	for i := 0; i < n; i++ {
		var err error
		res, err = h.eng.Step(context.Background(), id)
		require.NoError(t, err, "step %d", i+1)
	}
	return res
}

func (h *harness) load(t *testing.T, id string) *domain.WorkflowState {
	t.Helper()
	st, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) checkpoints(t *testing.T, id string) int {
	t.Helper()
	entries, err := afero.ReadDir(h.fs, "/workflows/"+id+"/checkpoints")
	require.NoError(t, err)
	return len(entries)
}

func TestStartSeedsRequirementOnly(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "build a login form")
	st := h.load(t, id)
	assert.Equal(t, node(domain.StageUserStories, domain.StepGenerate), st.Current)
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.Equal(t, "build a login form", st.Requirement)
	assert.Nil(t, st.Artifact(domain.StageUserStories))
	assert.Equal(t, 0, st.Retries.Count(domain.StageUserStories))

	_, err := h.eng.Start(context.Background(), id, "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = h.eng.Start(context.Background(), "", "  ")
	assert.Error(t, err)

	other, err := h.eng.Start(context.Background(), "", "generated id")
	require.NoError(t, err)
	assert.Len(t, other.ID, 26, "ulid")
}

func TestAcceptedOnFirstPassAdvances(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "build a login form")

	res := h.steps(t, id, 4)
	assert.Equal(t, node(domain.StageUserStories, domain.StepDecide), res.Event.Node)
	require.NotNil(t, res.Event.Decision)
	assert.Equal(t, domain.Accepted, res.Event.Decision.Outcome)
	assert.Equal(t, 0, res.Event.Decision.RetryCount)
	assert.False(t, res.Event.Forced)

	st := h.load(t, id)
	assert.Equal(t, node(domain.StageDesignDocuments, domain.StepGenerate), st.Current)
	assert.Equal(t, 0, st.Retries.Count(domain.StageUserStories))
	assert.Equal(t, 4, st.Steps)
	rec := st.Stage(domain.StageUserStories)
	require.NotNil(t, rec.Human)
	assert.Equal(t, "Accepted", rec.Human.Text)
	require.NotNil(t, rec.Automated)
	assert.Equal(t, domain.SourceAutomated, rec.Automated.Source)
	assert.Equal(t, 5, h.checkpoints(t, id), "one per step plus the start")
}

func TestRejectionRetriesThenForcesAdvance(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "build a login form")
	h.gen.Decisions("Rejected", "Rejected")

	res := h.steps(t, id, 4)
	assert.Equal(t, node(domain.StageUserStories, domain.StepGenerate), res.Event.Next)
	assert.False(t, res.Event.Forced)
	st := h.load(t, id)
	assert.Equal(t, 1, st.Retries.Count(domain.StageUserStories))
	assert.Equal(t, node(domain.StageUserStories, domain.StepGenerate), st.Current)

	res = h.steps(t, id, 4)
	assert.Equal(t, node(domain.StageDesignDocuments, domain.StepGenerate), res.Event.Next)
	assert.True(t, res.Event.Forced)
	require.NotNil(t, res.Event.Decision)
	assert.Equal(t, domain.Rejected, res.Event.Decision.Outcome)
	assert.Equal(t, 1, res.Event.Decision.RetryCount)

	st = h.load(t, id)
	assert.Equal(t, node(domain.StageDesignDocuments, domain.StepGenerate), st.Current)
	assert.Equal(t, 2, st.Retries.Count(domain.StageUserStories), "counters never reset")
	assert.Equal(t, 2, st.Artifact(domain.StageUserStories).Version)
}

func TestInvalidDecisionLeavesCheckpointUntouched(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "build a login form")
	h.gen.Decisions("Maybe")
	h.steps(t, id, 3)
	before := h.load(t, id)
	cps := h.checkpoints(t, id)

	res, err := h.eng.Step(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	se, ok := engine.AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindContract, se.Kind)
	assert.True(t, se.Resumable)
	assert.Equal(t, node(domain.StageUserStories, domain.StepDecide), se.Node)
	assert.Equal(t, before, res.State)

	after := h.load(t, id)
	assert.Equal(t, before, after)
	assert.Nil(t, after.Stage(domain.StageUserStories).Decision)
	assert.Equal(t, 0, after.Retries.Count(domain.StageUserStories))
	assert.Equal(t, cps, h.checkpoints(t, id))

	res = h.steps(t, id, 1)
	assert.Equal(t, node(domain.StageDesignDocuments, domain.StepGenerate), res.State.Current, "resumes at the failed node")
}

func TestResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "build a login form")
	h.gen.Decisions("Accepted", "Accepted", "Rejected", "Rejected")
	h.steps(t, id, 8+4+4)

	st := h.load(t, id)
	require.Equal(t, node(domain.StageCode, domain.StepGenerate), st.Current)
	require.Equal(t, 2, st.Retries.Count(domain.StageCode))

	restarted, err := engine.New(h.opts)
	require.NoError(t, err)
	got, err := restarted.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, node(domain.StageCode, domain.StepGenerate), got.Current)
	assert.Equal(t, 2, got.Retries.Count(domain.StageCode))

	res, err := restarted.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, node(domain.StageCode, domain.StepGenerate), res.Event.Node)
	assert.Equal(t, 3, res.State.Artifact(domain.StageCode).Version)
}

func TestRunToCompletion(t *testing.T) {
	for _, tc := range []struct {
		name       string
		testReview bool
		steps      int
	}{
		{name: "reference", steps: 16},
		{name: "with test review", testReview: true, steps: 19},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(o *engine.Options) {
				g, err := pipeline.NewGraph(pipeline.GraphOptions{TestReview: tc.testReview})
				require.NoError(t, err)
				o.Graph = g
			})
			id := h.start(t, "build a login form")
			st, err := h.eng.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, st.Status)
			assert.Equal(t, domain.End, st.Current)
			assert.Equal(t, tc.steps, st.Steps)
			require.NotNil(t, st.LatestCode())
			assert.Equal(t, "fix-after-security", st.LatestCode().Name)
			require.NotNil(t, st.Artifact(domain.StageWriteTestCases))

			h.mu.Lock()
			last := h.seen[len(h.seen)-1]
			h.mu.Unlock()
			assert.True(t, last.Completed)
			assert.Len(t, h.seen, tc.steps)

			log, err := afero.ReadFile(h.fs, "/workflows/"+id+"/events.jsonl")
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSpace(string(log)), "\n")
			assert.Contains(t, lines[0], events.WorkflowStarted)
			assert.Contains(t, lines[len(lines)-1], events.WorkflowCompleted)

			_, err = h.eng.Step(context.Background(), id)
			assert.ErrorIs(t, err, domain.ErrNotRunning)
		})
	}
}

func TestRunStopsAtStepLimit(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) { o.MaxSteps = 5 })
	id := h.start(t, "req")
	st, err := h.eng.Run(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrStepLimit)
	require.NotNil(t, st)
	assert.Equal(t, 5, st.Steps)

	st, err = h.eng.Run(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrStepLimit)
	assert.Equal(t, 10, st.Steps, "the limit applies per run")
}

func TestFailedSaveIsRetriedOnNextStep(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "req")
	h.store.failSaves = 1

	_, err := h.eng.Step(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	se, _ := engine.AsStageError(err)
	assert.Equal(t, engine.KindPersistence, se.Kind)
	assert.True(t, se.Resumable)

	assert.Equal(t, 0, h.load(t, id).Steps)
	pending, err := h.eng.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Steps)
	assert.NotNil(t, pending.Artifact(domain.StageUserStories))

	res := h.steps(t, id, 1)
	assert.Equal(t, node(domain.StageUserStories, domain.StepGenerate), res.Event.Node, "flush reports the saved step")
	assert.Equal(t, 1, h.load(t, id).Steps)
	assert.Len(t, h.gen.Calls(), 1, "flushing does not call the generator again")

	res = h.steps(t, id, 1)
	assert.Equal(t, node(domain.StageUserStories, domain.StepAutomatedReview), res.Event.Node)
}

func TestHumanTimeoutIsResumable(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) { o.HumanTimeout = 10 * time.Millisecond })
	id := h.start(t, "req")
	h.steps(t, id, 2)
	h.setAnswer(func(ctx context.Context, _ feedback.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := h.eng.Step(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHumanInputTimeout)
	se, _ := engine.AsStageError(err)
	assert.Equal(t, engine.KindHumanTimeout, se.Kind)
	assert.True(t, se.Resumable)
	assert.Equal(t, node(domain.StageUserStories, domain.StepHumanReview), h.load(t, id).Current)

	h.setAnswer(func(context.Context, feedback.Request) (string, error) { return "", nil })
	h.steps(t, id, 1)
	rec := h.load(t, id).Stage(domain.StageUserStories)
	require.NotNil(t, rec.Human)
	assert.True(t, rec.Human.NoInput)
}

func TestConcurrentStepIsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "req")
	h.steps(t, id, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.setAnswer(func(context.Context, feedback.Request) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.Step(context.Background(), id)
		done <- err
	}()
	<-entered
	_, err := h.eng.Step(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)
	_, err = h.eng.Abandon(context.Background(), id, "stop", "alice")
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 3, h.load(t, id).Steps)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "req")
	h.steps(t, id, 1)

	st, err := h.eng.Abandon(context.Background(), id, "requirement changed", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, st.Status)
	assert.Equal(t, "requirement changed", h.load(t, id).Reason)

	_, err = h.eng.Step(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	_, err = h.eng.Abandon(context.Background(), id, "again", "alice")
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestStepUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Step(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelledContextStopsRun(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "req")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.load(t, id).Steps)
}

func TestNewValidatesWiring(t *testing.T) {
	h := newHarness(t)

	opts := h.opts
	opts.Guard = pipeline.RetryGuard{Thresholds: map[domain.StageID]int{domain.StageUserStories: 1}}
	_, err := engine.New(opts)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	opts = h.opts
	opts.Stages = map[domain.StageID]pipeline.Stage{}
	_, err = engine.New(opts)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	opts = h.opts
	opts.Store = nil
	_, err = engine.New(opts)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

type leaseRecorder struct {
	mu       sync.Mutex
	acquired []string
	released []string
	deny     bool
}

func (l *leaseRecorder) Acquire(_ context.Context, id, owner string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return domain.ErrInstanceBusy
	}
	l.acquired = append(l.acquired, id+"/"+owner)
	return nil
}

func (l *leaseRecorder) Release(_ context.Context, id, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id+"/"+owner)
	return nil
}

func TestStepHoldsLease(t *testing.T) {
	locker := &leaseRecorder{}
	h := newHarness(t, func(o *engine.Options) {
		o.Locker = locker
		o.Owner = "worker-1"
	})
	id := h.start(t, "req")
	h.steps(t, id, 1)
	assert.Equal(t, []string{"wf-1/worker-1"}, locker.acquired)
	assert.Equal(t, []string{"wf-1/worker-1"}, locker.released)

	locker.deny = true
	_, err := h.eng.Step(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)
	assert.Equal(t, 1, h.load(t, id).Steps)
}
