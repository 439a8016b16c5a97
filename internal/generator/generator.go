// Package generator is the boundary to the content-generation backend. Every call names the
// output schema it expects, and the typed helpers decode replies strictly against it.
package generator

import (
	"context"

	"forgeline/internal/domain"
)

// Role is the part the backend plays for one call.
type Role string

const (
	RoleAuthor    Role = "author"
	RoleCritic    Role = "critic"
	RoleEvaluator Role = "evaluator"
)

// Schema selects the shape of the reply: "artifact:<kind>", "feedback" or "decision".
type Schema string

const (
	SchemaFeedback Schema = "feedback"
	SchemaDecision Schema = "decision"
)

func ArtifactSchema(kind domain.ArtifactKind) Schema {
	return Schema("artifact:" + string(kind))
}

type Request struct {
	Role    Role
	Stage   domain.StageID
	Schema  Schema
	System  string
	Context string
}

type Response struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
