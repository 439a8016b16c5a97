package generator

import (
	"context"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

type userStoriesReply struct {
	UserStories []domain.UserStory `json:"user_stories"`
}

type designDocumentsReply struct {
	DesignDocuments []domain.DesignDocument `json:"design_documents"`
}

type feedbackReply struct {
	Feedback string `json:"feedback"`
}

type decisionReply struct {
	Decision string `json:"decision"`
}

// DraftArtifact asks for an artifact of the given kind and validates it before returning.
func DraftArtifact(ctx context.Context, g Generator, kind domain.ArtifactKind, req Request) (domain.Artifact, error) {
	req.Schema = ArtifactSchema(kind)
	if req.Role == "" {
		req.Role = RoleAuthor
	}
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return domain.Artifact{}, err
	}
	a, err := decodeArtifact(kind, resp.Content)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := a.Validate(); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	return a, nil
}

func decodeArtifact(kind domain.ArtifactKind, content string) (domain.Artifact, error) {
	switch kind {
	case domain.KindUserStories:
		var r userStoriesReply
		if err := decodeStrict(content, &r); err != nil {
			return domain.Artifact{}, err
		}
		return domain.NewUserStories(r.UserStories), nil
	case domain.KindDesignDocuments:
		var r designDocumentsReply
		if err := decodeStrict(content, &r); err != nil {
			return domain.Artifact{}, err
		}
		return domain.NewDesignDocuments(r.DesignDocuments), nil
	case domain.KindCodeProject:
		var p domain.CodeProject
		if err := decodeStrict(content, &p); err != nil {
			return domain.Artifact{}, err
		}
		for i, f := range p.Files {
			c, err := domain.ParseCategory(string(f.Category))
			if err != nil {
				return domain.Artifact{}, fmt.Errorf("%w: file %s: %v", domain.ErrContractViolation, f.Path, err)
			}
			p.Files[i].Category = c
		}
		return domain.NewCodeProject(p), nil
	case domain.KindTestSuite:
		var ts domain.TestSuite
		if err := decodeStrict(content, &ts); err != nil {
			return domain.Artifact{}, err
		}
		return domain.NewTestSuite(ts), nil
	}
	return domain.Artifact{}, fmt.Errorf("%w: unknown artifact kind %q", domain.ErrConfiguration, kind)
}

// Critique returns the critic's free-text feedback.
func Critique(ctx context.Context, g Generator, req Request) (string, error) {
	req.Schema = SchemaFeedback
	if req.Role == "" {
		req.Role = RoleCritic
	}
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	var r feedbackReply
	if err := decodeStrict(resp.Content, &r); err != nil {
		return "", err
	}
	if strings.TrimSpace(r.Feedback) == "" {
		return "", fmt.Errorf("%w: empty feedback", domain.ErrContractViolation)
	}
	return r.Feedback, nil
}

// Decide returns the evaluator outcome. Values other than Accepted or Rejected are
// contract violations and are never defaulted.
func Decide(ctx context.Context, g Generator, req Request) (domain.Outcome, error) {
	req.Schema = SchemaDecision
	if req.Role == "" {
		req.Role = RoleEvaluator
	}
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	var r decisionReply
	if err := decodeStrict(resp.Content, &r); err != nil {
		return "", err
	}
	return domain.ParseOutcome(r.Decision)
}
