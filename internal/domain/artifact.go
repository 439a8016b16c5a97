package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

type ArtifactKind string

const (
	KindUserStories     ArtifactKind = "user_stories"
	KindDesignDocuments ArtifactKind = "design_documents"
	KindCodeProject     ArtifactKind = "code_project"
	KindTestSuite       ArtifactKind = "test_suite"
)

// Category is the folder a generated code file belongs to.
type Category string

const (
	CategoryBackend    Category = "backend"
	CategoryFrontend   Category = "frontend"
	CategoryConfig     Category = "config"
	CategoryDependency Category = "dependency"
	CategoryAPI        Category = "api"
	CategoryService    Category = "service"
)

var categories = []Category{CategoryBackend, CategoryFrontend, CategoryConfig, CategoryDependency, CategoryAPI, CategoryService}

func ParseCategory(v string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid category %q", v)
}

type UserStory struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type DesignDocument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CodeFile struct {
	Category Category `json:"category" enum:"backend,frontend,config,dependency,api,service"`
	Path     string   `json:"path"`
	Content  string   `json:"content"`
}

type CodeProject struct {
	Name  string     `json:"name"`
	Files []CodeFile `json:"files"`
}

type TestFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type TestSuite struct {
	Files []TestFile `json:"files"`
}

// Artifact is a tagged union over the stage outputs. Exactly one payload is set, selected by Kind.
type Artifact struct {
	Kind            ArtifactKind     `json:"kind" enum:"user_stories,design_documents,code_project,test_suite"`
	Version         int              `json:"version"`
	UserStories     []UserStory      `json:"user_stories,omitempty"`
	DesignDocuments []DesignDocument `json:"design_documents,omitempty"`
	Code            *CodeProject     `json:"code,omitempty"`
	Tests           *TestSuite       `json:"tests,omitempty"`
}

func NewUserStories(items []UserStory) Artifact {
	return Artifact{Kind: KindUserStories, UserStories: items}
}

func NewDesignDocuments(items []DesignDocument) Artifact {
	return Artifact{Kind: KindDesignDocuments, DesignDocuments: items}
}

func NewCodeProject(p CodeProject) Artifact {
	return Artifact{Kind: KindCodeProject, Code: &p}
}

func NewTestSuite(ts TestSuite) Artifact {
	return Artifact{Kind: KindTestSuite, Tests: &ts}
}

// Validate checks the payload matches Kind and that file paths are relative and unique.
func (a Artifact) Validate() error {
	switch a.Kind {
	case KindUserStories:
		if len(a.UserStories) == 0 {
			return errors.New("user stories: at least one story required")
		}
		for i, s := range a.UserStories {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("user stories: item %d has empty name", i)
			}
		}
		if a.Code != nil || a.Tests != nil || len(a.DesignDocuments) > 0 {
			return errors.New("user stories: unexpected payload")
		}
	case KindDesignDocuments:
		if len(a.DesignDocuments) == 0 {
			return errors.New("design documents: at least one document required")
		}
		for i, d := range a.DesignDocuments {
			if strings.TrimSpace(d.Name) == "" {
				return fmt.Errorf("design documents: item %d has empty name", i)
			}
		}
		if a.Code != nil || a.Tests != nil || len(a.UserStories) > 0 {
			return errors.New("design documents: unexpected payload")
		}
	case KindCodeProject:
		if a.Code == nil {
			return errors.New("code project: payload missing")
		}
		if len(a.UserStories) > 0 || len(a.DesignDocuments) > 0 || a.Tests != nil {
			return errors.New("code project: unexpected payload")
		}
		return a.Code.Validate()
	case KindTestSuite:
		if a.Tests == nil {
			return errors.New("test suite: payload missing")
		}
		if len(a.UserStories) > 0 || len(a.DesignDocuments) > 0 || a.Code != nil {
			return errors.New("test suite: unexpected payload")
		}
		return a.Tests.Validate()
	default:
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	return nil
}

func (p CodeProject) Validate() error {
	if len(p.Files) == 0 {
		return errors.New("code project: at least one file required")
	}
	seen := make(map[string]struct{}, len(p.Files))
	for _, f := range p.Files {
		if _, err := ParseCategory(string(f.Category)); err != nil {
			return fmt.Errorf("code project: %s: %w", f.Path, err)
		}
		clean, err := CleanPath(f.Path)
		if err != nil {
			return fmt.Errorf("code project: %w", err)
		}
		if _, dup := seen[clean]; dup {
			return fmt.Errorf("code project: duplicate path %s", clean)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

func (ts TestSuite) Validate() error {
	if len(ts.Files) == 0 {
		return errors.New("test suite: at least one file required")
	}
	seen := make(map[string]struct{}, len(ts.Files))
	for _, f := range ts.Files {
		clean, err := CleanPath(f.Path)
		if err != nil {
			return fmt.Errorf("test suite: %w", err)
		}
		if _, dup := seen[clean]; dup {
			return fmt.Errorf("test suite: duplicate path %s", clean)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

// CleanPath normalizes a generated file path and rejects absolute or escaping paths.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %s", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %s escapes project root", p)
	}
	return clean, nil
}

// Clone returns a deep copy.
func (a Artifact) Clone() Artifact {
	out := Artifact{Kind: a.Kind, Version: a.Version}
	if a.UserStories != nil {
		out.UserStories = append([]UserStory(nil), a.UserStories...)
	}
	if a.DesignDocuments != nil {
		out.DesignDocuments = append([]DesignDocument(nil), a.DesignDocuments...)
	}
	if a.Code != nil {
		c := CodeProject{Name: a.Code.Name, Files: append([]CodeFile(nil), a.Code.Files...)}
		out.Code = &c
	}
	if a.Tests != nil {
		t := TestSuite{Files: append([]TestFile(nil), a.Tests.Files...)}
		out.Tests = &t
	}
	return out
}

// Markdown renders the artifact for reviewers and prompts.
func (a Artifact) Markdown() string {
	var b strings.Builder
	switch a.Kind {
	case KindUserStories:
		b.WriteString("# User stories\n")
		for _, s := range a.UserStories {
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.Name, s.Description)
		}
	case KindDesignDocuments:
		b.WriteString("# Design documents\n")
		for _, d := range a.DesignDocuments {
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", d.Name, d.Description)
		}
	case KindCodeProject:
		if a.Code == nil {
			return ""
		}
		fmt.Fprintf(&b, "# Project %s\n", a.Code.Name)
		for _, f := range a.Code.Files {
			fmt.Fprintf(&b, "\n## %s/%s\n\n```\n%s\n```\n", f.Category, f.Path, f.Content)
		}
	case KindTestSuite:
		if a.Tests == nil {
			return ""
		}
		b.WriteString("# Test suite\n")
		for _, f := range a.Tests.Files {
			fmt.Fprintf(&b, "\n## %s\n\n```\n%s\n```\n", f.Path, f.Content)
		}
	}
	return b.String()
}

// ArtifactVersion is an immutable history entry.
type ArtifactVersion struct {
	Stage      StageID  `json:"stage"`
	Artifact   Artifact `json:"artifact"`
	RecordedAt string   `json:"recorded_at" format:"date-time"`
}
