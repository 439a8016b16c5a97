// Package materialize writes generated projects and test suites to disk.
package materialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"forgeline/internal/domain"
	"forgeline/internal/fsutil"
)

// TestsDir is the folder test files are written under.
const TestsDir = "tests"

// Writer lays out a project as <root>/<category>/<path> and tests as <root>/tests/<path>.
type Writer struct {
	Fs   afero.Fs
	Root string
}

func New(fs afero.Fs, root string) *Writer {
	return &Writer{Fs: fs, Root: root}
}

// Result lists the files written, relative to the root.
type Result struct {
	Files []string `json:"files"`
}

// WriteProject writes every file of p. Paths that escape their folder are rejected before
// anything is written.
func (w *Writer) WriteProject(p domain.CodeProject) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	files := make([]entry, 0, len(p.Files))
	for _, f := range p.Files {
		rel, err := relPath(string(f.Category), f.Path)
		if err != nil {
			return Result{}, err
		}
		files = append(files, entry{rel: rel, content: f.Content})
	}
	return w.write(files)
}

func (w *Writer) WriteTests(ts domain.TestSuite) (Result, error) {
	if err := ts.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	files := make([]entry, 0, len(ts.Files))
	for _, f := range ts.Files {
		rel, err := relPath(TestsDir, f.Path)
		if err != nil {
			return Result{}, err
		}
		files = append(files, entry{rel: rel, content: f.Content})
	}
	return w.write(files)
}

// WriteState writes the latest code project and, when present, the test suite of st.
func (w *Writer) WriteState(st *domain.WorkflowState) (Result, error) {
	code := st.LatestCode()
	if code == nil {
		return Result{}, fmt.Errorf("workflow %s has no code project yet: %w", st.ID, domain.ErrNotFound)
	}
	res, err := w.WriteProject(*code)
	if err != nil {
		return res, err
	}
	if a := st.Artifact(domain.StageWriteTestCases); a != nil && a.Tests != nil {
		tests, err := w.WriteTests(*a.Tests)
		res.Files = append(res.Files, tests.Files...)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// ExportState writes the full state as indented JSON to path.
func ExportState(fs afero.Fs, path string, st *domain.WorkflowState) error {
	if st == nil {
		return errors.New("state required")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fs, path, append(data, '\n'))
}

type entry struct {
	rel     string
	content string
}

func (w *Writer) write(files []entry) (Result, error) {
	var res Result
	for _, f := range files {
		if err := fsutil.WriteFileAtomic(w.Fs, filepath.Join(w.Root, filepath.FromSlash(f.rel)), []byte(f.content)); err != nil {
			return res, err
		}
		res.Files = append(res.Files, f.rel)
	}
	return res, nil
}

func relPath(folder, p string) (string, error) {
	clean, err := domain.CleanPath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	return folder + "/" + clean, nil
}
