package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	"forgeline/internal/domain"
)

// promptData is everything a prompt may reference. Absent values render as "None".
type promptData struct {
	Stage       domain.StageID
	Requirement string
	Upstream    string
	Previous    string
	Artifact    string
	Automated   string
	Human       string
	Report      string
}

var systemPrompts = map[domain.NodeID]string{
	domain.Node(domain.StageUserStories, domain.StepGenerate):        "You are a product owner writing user stories for a software project.",
	domain.Node(domain.StageUserStories, domain.StepAutomatedReview): "You are a critical product owner. Find missing requirements, vague descriptions and feasibility problems in the user stories.",
	domain.Node(domain.StageUserStories, domain.StepDecide):          "Decide whether the review feedback has been incorporated into the user stories.",

	domain.Node(domain.StageDesignDocuments, domain.StepGenerate):        "You are a software architect writing functional and technical design documents.",
	domain.Node(domain.StageDesignDocuments, domain.StepAutomatedReview): "You are a senior architect. Check the design documents for completeness and consistency with the user stories.",
	domain.Node(domain.StageDesignDocuments, domain.StepDecide):          "Decide whether the design documents are complete and consistent with the user stories.",

	domain.Node(domain.StageCode, domain.StepGenerate):        "You are a software engineer implementing a project from its design documents. Assign every file a category.",
	domain.Node(domain.StageCode, domain.StepAutomatedReview): "You are a code reviewer. Check correctness, readability and consistency with the design documents.",
	domain.Node(domain.StageCode, domain.StepDecide):          "Decide whether the code satisfies the review feedback and the design documents.",

	domain.Node(domain.StageSecurityReview, domain.StepRun):     "You are a security auditor. Report vulnerabilities with risk levels and suggested fixes.",
	domain.Node(domain.StageFixAfterCodeReview, domain.StepRun): "You are a software engineer applying code review fixes while preserving behavior.",
	domain.Node(domain.StageFixAfterSecurity, domain.StepRun):   "You are a software engineer fixing the vulnerabilities from a security audit.",
	domain.Node(domain.StageWriteTestCases, domain.StepRun):     "You are a test engineer writing unit tests that cover typical and edge cases.",

	domain.Node(domain.StageTestReview, domain.StepAutomatedReview): "You are a test reviewer. Find missing cases and incorrect assertions in the test suite.",
	domain.Node(domain.StageTestReview, domain.StepDecide):          "Decide whether the test suite is complete given the review feedback.",
}

var humanPrompts = map[domain.StageID]string{
	domain.StageUserStories:     "Review the user stories. Describe required changes or type Accepted.",
	domain.StageDesignDocuments: "Review the design documents. Describe required changes or type Accepted.",
	domain.StageCode:            "Review the generated code. Describe required changes or type Accepted.",
	domain.StageTestReview:      "Review the test suite. Describe missing scenarios or type Accepted.",
}

const contextTemplates = `
{{define "generate"}}Requirement:
{{.Requirement}}
{{if .Upstream}}
Input this stage must stay consistent with:
{{.Upstream}}
{{end}}
Previous version:
{{.Previous}}

Automated review feedback:
{{.Automated}}

Human review feedback:
{{.Human}}
{{end}}

{{define "automated_review"}}Review this {{.Stage}} artifact:
{{.Artifact}}
{{if .Upstream}}
It must remain consistent with:
{{.Upstream}}
{{end}}{{end}}

{{define "decide"}}Automated review feedback:
{{.Automated}}

Human review feedback:
{{.Human}}

Artifact:
{{.Artifact}}
{{if .Upstream}}
Upstream input:
{{.Upstream}}
{{end}}
Answer Accepted if the feedback is addressed, otherwise Rejected.{{end}}

{{define "security_review"}}Audit this code project:
{{.Artifact}}{{end}}

{{define "fix_after_code_review"}}Apply the code review feedback to the project.

Code review feedback:
{{.Automated}}

Human review feedback:
{{.Human}}

Project:
{{.Artifact}}{{end}}

{{define "fix_after_security"}}Fix every vulnerability in the security report.

Security report:
{{.Report}}

Project:
{{.Artifact}}{{end}}

{{define "write_test_cases"}}Write tests for this project. Name test files after the files they cover.

Project:
{{.Artifact}}

Previous test suite:
{{.Previous}}

Test review feedback:
{{.Automated}}

Human test review feedback:
{{.Human}}{{end}}
`

var templates = template.Must(template.New("prompts").Parse(contextTemplates))

func render(name string, data promptData) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func systemPrompt(node domain.NodeID) string {
	return systemPrompts[node]
}

func markdownOrNone(a *domain.Artifact) string {
	if a == nil {
		return "None"
	}
	return a.Markdown()
}
