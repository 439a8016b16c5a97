package pipeline

import (
	"context"
	"fmt"

	"forgeline/internal/domain"
	"forgeline/internal/generator"
)

// Task is a single-step remediation stage. It either drafts an artifact of kind or, when kind
// is empty, records a free-text report as automated feedback.
type Task struct {
	id   domain.StageID
	kind domain.ArtifactKind
	data func(st *domain.WorkflowState) promptData
	deps Deps
}

func (t *Task) ID() domain.StageID { return t.id }

func (t *Task) Steps() []domain.Step { return []domain.Step{domain.StepRun} }

func (t *Task) Run(ctx context.Context, step domain.Step, st *domain.WorkflowState) (domain.Patch, error) {
	if step != domain.StepRun {
		return domain.Patch{}, fmt.Errorf("%w: stage %s has no step %s", domain.ErrRoutingViolation, t.id, step)
	}
	code := st.LatestCode()
	if code == nil {
		return domain.Patch{}, fmt.Errorf("%w: %s needs a code project", domain.ErrRoutingViolation, t.id)
	}
	text, err := render(string(t.id), t.data(st))
	if err != nil {
		return domain.Patch{}, err
	}
	req := generator.Request{
		Stage:   t.id,
		System:  systemPrompt(domain.Node(t.id, domain.StepRun)),
		Context: text,
	}
	if t.kind == "" {
		report, err := generator.Critique(ctx, t.deps.Generator, req)
		if err != nil {
			return domain.Patch{}, err
		}
		fb := domain.AutomatedFeedback(report, t.deps.now())
		return domain.Patch{Stage: t.id, Automated: &fb}, nil
	}
	a, err := generator.DraftArtifact(ctx, t.deps.Generator, t.kind, req)
	if err != nil {
		return domain.Patch{}, err
	}
	return domain.Patch{Stage: t.id, Artifact: &a}, nil
}

func latestCodeMarkdown(st *domain.WorkflowState) string {
	if code := st.LatestCode(); code != nil {
		return domain.NewCodeProject(*code).Markdown()
	}
	return "None"
}

func securityReview(d Deps) *Task {
	return &Task{id: domain.StageSecurityReview, deps: d, data: func(st *domain.WorkflowState) promptData {
		return promptData{Stage: domain.StageSecurityReview, Artifact: latestCodeMarkdown(st)}
	}}
}

func fixAfterCodeReview(d Deps) *Task {
	return &Task{id: domain.StageFixAfterCodeReview, kind: domain.KindCodeProject, deps: d, data: func(st *domain.WorkflowState) promptData {
		rec := st.Stage(domain.StageCode)
		return promptData{
			Stage:     domain.StageFixAfterCodeReview,
			Artifact:  latestCodeMarkdown(st),
			Automated: rec.Automated.PromptText(),
			Human:     rec.Human.PromptText(),
		}
	}}
}

func fixAfterSecurity(d Deps) *Task {
	return &Task{id: domain.StageFixAfterSecurity, kind: domain.KindCodeProject, deps: d, data: func(st *domain.WorkflowState) promptData {
		return promptData{
			Stage:    domain.StageFixAfterSecurity,
			Artifact: latestCodeMarkdown(st),
			Report:   st.Stage(domain.StageSecurityReview).Automated.PromptText(),
		}
	}}
}

// writeTestCases also serves the test review retry edge: the previous suite and the test
// review feedback are part of its prompt.
func writeTestCases(d Deps) *Task {
	return &Task{id: domain.StageWriteTestCases, kind: domain.KindTestSuite, deps: d, data: func(st *domain.WorkflowState) promptData {
		review := st.Stage(domain.StageTestReview)
		return promptData{
			Stage:     domain.StageWriteTestCases,
			Artifact:  latestCodeMarkdown(st),
			Previous:  markdownOrNone(st.Artifact(domain.StageWriteTestCases)),
			Automated: review.Automated.PromptText(),
			Human:     review.Human.PromptText(),
		}
	}}
}
