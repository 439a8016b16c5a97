package pipeline

import (
	"context"
	"fmt"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/feedback"
	"forgeline/internal/generator"
)

// ReviewCycle is the generate, automated review, human review, decide protocol. The subject is
// the stage whose artifact is under review; it differs from id only for review-only cycles,
// which skip generation.
type ReviewCycle struct {
	id         domain.StageID
	subject    domain.StageID
	kind       domain.ArtifactKind
	upstream   domain.StageID
	reviewOnly bool
	deps       Deps
}

func (c *ReviewCycle) ID() domain.StageID { return c.id }

func (c *ReviewCycle) Steps() []domain.Step {
	steps := []domain.Step{domain.StepAutomatedReview, domain.StepHumanReview, domain.StepDecide}
	if c.reviewOnly {
		return steps
	}
	return append([]domain.Step{domain.StepGenerate}, steps...)
}

func (c *ReviewCycle) Run(ctx context.Context, step domain.Step, st *domain.WorkflowState) (domain.Patch, error) {
	switch step {
	case domain.StepGenerate:
		if !c.reviewOnly {
			return c.Generate(ctx, st)
		}
	case domain.StepAutomatedReview:
		return c.AutomatedReview(ctx, st)
	case domain.StepHumanReview:
		return c.HumanReview(ctx, st)
	case domain.StepDecide:
		return c.Decide(ctx, st)
	}
	return domain.Patch{}, fmt.Errorf("%w: stage %s has no step %s", domain.ErrRoutingViolation, c.id, step)
}

func (c *ReviewCycle) data(st *domain.WorkflowState) promptData {
	rec := st.Stage(c.id)
	d := promptData{
		Stage:       c.subject,
		Requirement: st.Requirement,
		Previous:    markdownOrNone(st.Artifact(c.subject)),
		Artifact:    markdownOrNone(st.Artifact(c.subject)),
		Automated:   rec.Automated.PromptText(),
		Human:       rec.Human.PromptText(),
	}
	if c.upstream != "" {
		d.Upstream = markdownOrNone(st.Artifact(c.upstream))
	}
	if c.kind == domain.KindTestSuite {
		if code := st.LatestCode(); code != nil {
			d.Upstream = domain.NewCodeProject(*code).Markdown()
		}
	}
	return d
}

func (c *ReviewCycle) request(step domain.Step, template string, st *domain.WorkflowState) (generator.Request, error) {
	text, err := render(template, c.data(st))
	if err != nil {
		return generator.Request{}, err
	}
	return generator.Request{
		Stage:   c.id,
		System:  systemPrompt(domain.Node(c.id, step)),
		Context: text,
	}, nil
}

// Generate drafts a new artifact from the requirement, the upstream artifact, the previous
// version and both feedbacks.
func (c *ReviewCycle) Generate(ctx context.Context, st *domain.WorkflowState) (domain.Patch, error) {
	req, err := c.request(domain.StepGenerate, "generate", st)
	if err != nil {
		return domain.Patch{}, err
	}
	a, err := generator.DraftArtifact(ctx, c.deps.Generator, c.kind, req)
	if err != nil {
		return domain.Patch{}, err
	}
	return domain.Patch{Stage: c.id, Artifact: &a}, nil
}

// AutomatedReview critiques the subject artifact. It makes no decision.
func (c *ReviewCycle) AutomatedReview(ctx context.Context, st *domain.WorkflowState) (domain.Patch, error) {
	if st.Artifact(c.subject) == nil {
		return domain.Patch{}, fmt.Errorf("%w: %s has no artifact to review", domain.ErrRoutingViolation, c.subject)
	}
	req, err := c.request(domain.StepAutomatedReview, "automated_review", st)
	if err != nil {
		return domain.Patch{}, err
	}
	text, err := generator.Critique(ctx, c.deps.Generator, req)
	if err != nil {
		return domain.Patch{}, err
	}
	fb := domain.AutomatedFeedback(text, c.deps.now())
	return domain.Patch{Stage: c.id, Automated: &fb}, nil
}

// HumanReview blocks on the collector. The answer is kept verbatim; empty input becomes NoInput.
func (c *ReviewCycle) HumanReview(ctx context.Context, st *domain.WorkflowState) (domain.Patch, error) {
	a := st.Artifact(c.subject)
	if a == nil {
		return domain.Patch{}, fmt.Errorf("%w: %s has no artifact to review", domain.ErrRoutingViolation, c.subject)
	}
	var automated string
	if rec := st.Stage(c.id); rec.Automated != nil {
		automated = rec.Automated.Text
	}
	raw, err := c.deps.Human.Collect(ctx, feedback.Request{
		WorkflowID: st.ID,
		Stage:      c.id,
		Step:       st.Steps,
		Prompt:     humanPrompts[c.id],
		Artifact:   a.Markdown(),
		Automated:  automated,
	})
	if err != nil {
		return domain.Patch{}, err
	}
	fb := domain.HumanFeedback(raw, c.deps.now())
	return domain.Patch{Stage: c.id, Human: &fb}, nil
}

// Decide asks the evaluator for Accepted or Rejected. The counter observed here is recorded on
// the decision; the increment for a rejection happens when the engine merges the patch.
func (c *ReviewCycle) Decide(ctx context.Context, st *domain.WorkflowState) (domain.Patch, error) {
	req, err := c.request(domain.StepDecide, "decide", st)
	if err != nil {
		return domain.Patch{}, err
	}
	outcome, err := generator.Decide(ctx, c.deps.Generator, req)
	if err != nil {
		return domain.Patch{}, err
	}
	d := domain.Decision{
		Outcome:    outcome,
		RetryCount: st.Retries.Count(c.id),
		DecidedAt:  c.deps.now().UTC().Format(time.RFC3339),
	}
	return domain.Patch{Stage: c.id, Decision: &d}, nil
}
