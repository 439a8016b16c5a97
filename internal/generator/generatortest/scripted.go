// Package generatortest provides a scripted Generator for tests and dry runs.
package generatortest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"forgeline/internal/domain"
	"forgeline/internal/generator"
)

// Scripted replies from per-schema queues. When a queue is empty it falls back to a minimal
// valid reply: one-item artifacts, a short critique and "Accepted".
type Scripted struct {
	mu      sync.Mutex
	replies map[generator.Schema][]reply
	calls   []generator.Request
}

type reply struct {
	content string
	err     error
}

func New() *Scripted {
	return &Scripted{replies: map[generator.Schema][]reply{}}
}

// Reply queues raw content for the schema.
func (s *Scripted) Reply(schema generator.Schema, content string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[schema] = append(s.replies[schema], reply{content: content})
	return s
}

// Fail queues an error for the schema.
func (s *Scripted) Fail(schema generator.Schema, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[schema] = append(s.replies[schema], reply{err: err})
	return s
}

// Decisions queues evaluator outcomes in order.
func (s *Scripted) Decisions(outcomes ...string) *Scripted {
	for _, o := range outcomes {
		s.Reply(generator.SchemaDecision, fmt.Sprintf(`{"decision": %q}`, o))
	}
	return s
}

func (s *Scripted) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	if err := ctx.Err(); err != nil {
		return generator.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if q := s.replies[req.Schema]; len(q) > 0 {
		r := q[0]
		s.replies[req.Schema] = q[1:]
		if r.err != nil {
			return generator.Response{}, r.err
		}
		return generator.Response{Content: r.content}, nil
	}
	content, err := fallback(req)
	if err != nil {
		return generator.Response{}, err
	}
	return generator.Response{Content: content}, nil
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []generator.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]generator.Request(nil), s.calls...)
}

// CallsFor returns the requests made with the given schema.
func (s *Scripted) CallsFor(schema generator.Schema) []generator.Request {
	var out []generator.Request
	for _, c := range s.Calls() {
		if c.Schema == schema {
			out = append(out, c)
		}
	}
	return out
}

func fallback(req generator.Request) (string, error) {
	switch req.Schema {
	case generator.SchemaDecision:
		return `{"decision": "Accepted"}`, nil
	case generator.SchemaFeedback:
		return fmt.Sprintf(`{"feedback": "review of %s looks reasonable"}`, req.Stage), nil
	case generator.ArtifactSchema(domain.KindUserStories):
		return `{"user_stories": [{"name": "Sign in", "description": "As a user I can sign in"}]}`, nil
	case generator.ArtifactSchema(domain.KindDesignDocuments):
		return `{"design_documents": [{"name": "Auth flow", "description": "Session based login"}]}`, nil
	case generator.ArtifactSchema(domain.KindCodeProject):
		name := strings.ReplaceAll(string(req.Stage), "_", "-")
		return fmt.Sprintf(`{"name": %q, "files": [{"category": "backend", "path": "main.go", "content": "package main"}]}`, name), nil
	case generator.ArtifactSchema(domain.KindTestSuite):
		return `{"files": [{"path": "main_test.go", "content": "package main"}]}`, nil
	}
	return "", fmt.Errorf("%w: unscripted schema %q", domain.ErrContractViolation, req.Schema)
}
