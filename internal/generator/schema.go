package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"forgeline/internal/domain"
)

var schemaInstructions = map[Schema]string{
	ArtifactSchema(domain.KindUserStories): `{"user_stories": [{"name": "string", "description": "string"}]}`,
	ArtifactSchema(domain.KindDesignDocuments): `{"design_documents": [{"name": "string", "description": "string"}]}`,
	ArtifactSchema(domain.KindCodeProject): `{"name": "string", "files": [{"category": "backend|frontend|config|dependency|api|service", "path": "relative/path", "content": "string"}]}`,
	ArtifactSchema(domain.KindTestSuite): `{"files": [{"path": "relative/path", "content": "string"}]}`,
	SchemaFeedback: `{"feedback": "string"}`,
	SchemaDecision: `{"decision": "Accepted|Rejected"}`,
}

// Instructions returns the output contract appended to the system prompt.
func Instructions(s Schema) (string, error) {
	shape, ok := schemaInstructions[s]
	if !ok {
		return "", fmt.Errorf("%w: unknown schema %q", domain.ErrConfiguration, s)
	}
	return "Reply with a single JSON document and nothing else. It must match exactly:\n" + shape, nil
}

// decodeStrict parses a reply into v. Markdown fences are tolerated; unknown fields and
// trailing content are not.
func decodeStrict(content string, v any) error {
	body := stripFence(content)
	if body == "" {
		return fmt.Errorf("%w: empty reply", domain.ErrContractViolation)
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	if err := dec.Decode(&json.RawMessage{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing content after JSON document", domain.ErrContractViolation)
	}
	return nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
