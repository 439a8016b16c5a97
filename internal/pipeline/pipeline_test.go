package pipeline_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	"forgeline/internal/feedback"
	"forgeline/internal/generator"
	"forgeline/internal/generator/generatortest"
	"forgeline/internal/pipeline"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func node(s domain.StageID, step domain.Step) domain.NodeID { return domain.Node(s, step) }

func defaultThresholds() map[domain.StageID]int {
	return map[domain.StageID]int{
		domain.StageUserStories:     1,
		domain.StageDesignDocuments: 1,
		domain.StageCode:            4,
		domain.StageTestReview:      1,
	}
}

func TestGraphReferencePipeline(t *testing.T) {
	g, err := pipeline.NewGraph(pipeline.GraphOptions{})
	require.NoError(t, err)
	assert.Equal(t, node(domain.StageUserStories, domain.StepGenerate), g.Start())

	next, err := g.Next(node(domain.StageUserStories, domain.StepGenerate))
	require.NoError(t, err)
	assert.Equal(t, node(domain.StageUserStories, domain.StepAutomatedReview), next)

	_, err = g.Next(node(domain.StageUserStories, domain.StepDecide))
	assert.ErrorIs(t, err, domain.ErrRoutingViolation, "decide nodes have no static edge")
	assert.True(t, g.IsDecision(node(domain.StageCode, domain.StepDecide)))

	b, ok := g.Branches(domain.StageCode)
	require.True(t, ok)
	assert.Equal(t, node(domain.StageSecurityReview, domain.StepRun), b.Accept)
	assert.Equal(t, node(domain.StageCode, domain.StepGenerate), b.Retry)

	chain := []domain.NodeID{
		node(domain.StageSecurityReview, domain.StepRun),
		node(domain.StageFixAfterCodeReview, domain.StepRun),
		node(domain.StageFixAfterSecurity, domain.StepRun),
		node(domain.StageWriteTestCases, domain.StepRun),
		domain.End,
	}
	for i := 0; i < len(chain)-1; i++ {
		next, err := g.Next(chain[i])
		require.NoError(t, err)
		assert.Equal(t, chain[i+1], next)
	}
	assert.Equal(t, []domain.StageID{domain.StageUserStories, domain.StageDesignDocuments, domain.StageCode}, g.ReviewStages())
	assert.False(t, g.Has(node(domain.StageTestReview, domain.StepDecide)))
}

func TestGraphWithTestReview(t *testing.T) {
	g, err := pipeline.NewGraph(pipeline.GraphOptions{TestReview: true})
	require.NoError(t, err)
	next, err := g.Next(node(domain.StageWriteTestCases, domain.StepRun))
	require.NoError(t, err)
	assert.Equal(t, node(domain.StageTestReview, domain.StepAutomatedReview), next)

	b, ok := g.Branches(domain.StageTestReview)
	require.True(t, ok)
	assert.Equal(t, domain.End, b.Accept)
	assert.Equal(t, node(domain.StageWriteTestCases, domain.StepRun), b.Retry)
}

func TestGraphRetryTargets(t *testing.T) {
	g, err := pipeline.NewGraph(pipeline.GraphOptions{RetryTargets: map[domain.StageID]domain.StageID{
		domain.StageCode: domain.StageDesignDocuments,
	}})
	require.NoError(t, err)
	b, _ := g.Branches(domain.StageCode)
	assert.Equal(t, node(domain.StageDesignDocuments, domain.StepGenerate), b.Retry)

	_, err = pipeline.NewGraph(pipeline.GraphOptions{RetryTargets: map[domain.StageID]domain.StageID{
		domain.StageUserStories: domain.StageCode,
	}})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "cannot retry forward")

	_, err = pipeline.NewGraph(pipeline.GraphOptions{RetryTargets: map[domain.StageID]domain.StageID{
		domain.StageSecurityReview: domain.StageCode,
	}})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "task stages have no decision")
}

func TestRetryGuard(t *testing.T) {
	guard := pipeline.RetryGuard{Thresholds: defaultThresholds()}
	assert.False(t, guard.ShouldForceAccept(domain.StageUserStories, 0))
	assert.True(t, guard.ShouldForceAccept(domain.StageUserStories, 1))
	assert.False(t, guard.ShouldForceAccept(domain.StageCode, 3))
	assert.True(t, guard.ShouldForceAccept(domain.StageCode, 4))
	assert.False(t, guard.ShouldForceAccept(domain.StageSecurityReview, 100), "no threshold, never forced")
}

func newRouter(t *testing.T) pipeline.Router {
	t.Helper()
	g, err := pipeline.NewGraph(pipeline.GraphOptions{TestReview: true})
	require.NoError(t, err)
	return pipeline.Router{Graph: g, Guard: pipeline.RetryGuard{Thresholds: defaultThresholds()}}
}

func TestRouterLiveness(t *testing.T) {
	r := newRouter(t)
	for stage, threshold := range defaultThresholds() {
		b, _ := r.Graph.Branches(stage)
		for n := 0; n < threshold; n++ {
			got, err := r.Route(stage, domain.Rejected, n)
			require.NoError(t, err)
			assert.Equal(t, b.Retry, got.Next, "%s rejection %d retries", stage, n)
			assert.False(t, got.Forced)
		}
		for _, outcome := range []domain.Outcome{domain.Accepted, domain.Rejected} {
			got, err := r.Route(stage, outcome, threshold)
			require.NoError(t, err)
			assert.Equal(t, b.Accept, got.Next, "%s advances after %d rejections", stage, threshold)
		}
	}
}

func TestRouterAcceptIsIdempotent(t *testing.T) {
	r := newRouter(t)
	first, err := r.Route(domain.StageDesignDocuments, domain.Accepted, 0)
	require.NoError(t, err)
	for n := 0; n < 10; n++ {
		got, err := r.Route(domain.StageDesignDocuments, domain.Accepted, n)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestRouterViolations(t *testing.T) {
	r := newRouter(t)
	_, err := r.Route(domain.StageCode, domain.Outcome("Maybe"), 0)
	assert.ErrorIs(t, err, domain.ErrRoutingViolation)
	_, err = r.Route(domain.StageSecurityReview, domain.Accepted, 0)
	assert.ErrorIs(t, err, domain.ErrRoutingViolation)
}

func TestCheckCoversEveryNode(t *testing.T) {
	g, err := pipeline.NewGraph(pipeline.GraphOptions{TestReview: true})
	require.NoError(t, err)
	stages := pipeline.NewStages(pipeline.Deps{})
	require.NoError(t, pipeline.Check(g, stages))

	delete(stages, domain.StageFixAfterSecurity)
	assert.ErrorIs(t, pipeline.Check(g, stages), domain.ErrConfiguration)
}

type env struct {
	gen    *generatortest.Scripted
	human  []feedback.Request
	answer string
	stages map[domain.StageID]pipeline.Stage
}

func newEnv() *env {
	e := &env{gen: generatortest.New(), answer: "Accepted"}
	e.stages = pipeline.NewStages(pipeline.Deps{
		Generator: e.gen,
		Human: feedback.CollectorFunc(func(ctx context.Context, req feedback.Request) (string, error) {
			e.human = append(e.human, req)
			return e.answer, nil
		}),
		Now: func() time.Time { return fixedNow },
	})
	return e
}

func (e *env) run(t *testing.T, st *domain.WorkflowState, stage domain.StageID, step domain.Step) domain.Patch {
	t.Helper()
	p, err := e.stages[stage].Run(context.Background(), step, st)
	require.NoError(t, err)
	require.NoError(t, st.Apply(p, fixedNow))
	return p
}

func TestReviewCycleSteps(t *testing.T) {
	e := newEnv()
	st := domain.NewWorkflowState("wf-1", "build a login form", node(domain.StageUserStories, domain.StepGenerate), fixedNow)

	p := e.run(t, &st, domain.StageUserStories, domain.StepGenerate)
	require.NotNil(t, p.Artifact)
	assert.Equal(t, domain.KindUserStories, p.Artifact.Kind)
	gen := e.gen.CallsFor(generator.ArtifactSchema(domain.KindUserStories))
	require.Len(t, gen, 1)
	assert.Contains(t, gen[0].Context, "build a login form")
	assert.Contains(t, gen[0].Context, "Previous version:\nNone")

	p = e.run(t, &st, domain.StageUserStories, domain.StepAutomatedReview)
	require.NotNil(t, p.Automated)
	assert.Nil(t, p.Decision, "automated review never decides")

	e.answer = ""
	p = e.run(t, &st, domain.StageUserStories, domain.StepHumanReview)
	require.NotNil(t, p.Human)
	assert.True(t, p.Human.NoInput)
	require.Len(t, e.human, 1)
	assert.Equal(t, "wf-1", e.human[0].WorkflowID)
	assert.Contains(t, e.human[0].Artifact, "Sign in")

	e.gen.Decisions("Rejected")
	p = e.run(t, &st, domain.StageUserStories, domain.StepDecide)
	require.NotNil(t, p.Decision)
	assert.Equal(t, domain.Rejected, p.Decision.Outcome)
	assert.Equal(t, 0, p.Decision.RetryCount)
	assert.Equal(t, 1, st.Retries.Count(domain.StageUserStories))

	decide := e.gen.CallsFor(generator.SchemaDecision)
	require.Len(t, decide, 1)
	assert.Contains(t, decide[0].Context, "No feedback was provided by the reviewer.")

	e.run(t, &st, domain.StageUserStories, domain.StepGenerate)
	gen = e.gen.CallsFor(generator.ArtifactSchema(domain.KindUserStories))
	require.Len(t, gen, 2)
	assert.Contains(t, gen[1].Context, "# User stories", "second pass sees the previous version")
	assert.Equal(t, 2, st.Artifact(domain.StageUserStories).Version)
}

func TestDecideContractViolation(t *testing.T) {
	e := newEnv()
	st := domain.NewWorkflowState("wf-1", "req", node(domain.StageCode, domain.StepDecide), fixedNow)
	e.gen.Decisions("Maybe")
	_, err := e.stages[domain.StageCode].Run(context.Background(), domain.StepDecide, &st)
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	assert.Equal(t, 0, st.Retries.Count(domain.StageCode))
}

func TestReviewOnlyCycleHasNoGenerate(t *testing.T) {
	e := newEnv()
	st := domain.NewWorkflowState("wf-1", "req", node(domain.StageTestReview, domain.StepAutomatedReview), fixedNow)
	_, err := e.stages[domain.StageTestReview].Run(context.Background(), domain.StepGenerate, &st)
	assert.ErrorIs(t, err, domain.ErrRoutingViolation)

	_, err = e.stages[domain.StageTestReview].Run(context.Background(), domain.StepAutomatedReview, &st)
	assert.ErrorIs(t, err, domain.ErrRoutingViolation, "nothing to review yet")
}

func TestRemediationChain(t *testing.T) {
	e := newEnv()
	st := domain.NewWorkflowState("wf-1", "req", node(domain.StageCode, domain.StepGenerate), fixedNow)
	e.run(t, &st, domain.StageCode, domain.StepGenerate)

	e.gen.Reply(generator.SchemaFeedback, `{"feedback": "SQL injection in handler"}`)
	p := e.run(t, &st, domain.StageSecurityReview, domain.StepRun)
	require.NotNil(t, p.Automated)
	assert.Equal(t, "SQL injection in handler", p.Automated.Text)

	e.run(t, &st, domain.StageFixAfterCodeReview, domain.StepRun)
	assert.Equal(t, "fix-after-code-review", st.LatestCode().Name)

	e.run(t, &st, domain.StageFixAfterSecurity, domain.StepRun)
	calls := e.gen.CallsFor(generator.ArtifactSchema(domain.KindCodeProject))
	require.Len(t, calls, 3)
	assert.Contains(t, calls[2].Context, "SQL injection in handler")
	assert.Contains(t, calls[2].Context, "fix-after-code-review", "security fixes start from the reviewed code")

	p = e.run(t, &st, domain.StageWriteTestCases, domain.StepRun)
	require.NotNil(t, p.Artifact)
	assert.Equal(t, domain.KindTestSuite, p.Artifact.Kind)
	tests := e.gen.CallsFor(generator.ArtifactSchema(domain.KindTestSuite))
	require.Len(t, tests, 1)
	assert.True(t, strings.Contains(tests[0].Context, "fix-after-security"))
}

func TestTaskNeedsCode(t *testing.T) {
	e := newEnv()
	st := domain.NewWorkflowState("wf-1", "req", node(domain.StageSecurityReview, domain.StepRun), fixedNow)
	_, err := e.stages[domain.StageSecurityReview].Run(context.Background(), domain.StepRun, &st)
	assert.ErrorIs(t, err, domain.ErrRoutingViolation)
}
