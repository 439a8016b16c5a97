package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/fsutil"
)

// FileStore keeps one directory per workflow:
//
//	<dir>/<id>/state.json           latest snapshot
//	<dir>/<id>/checkpoints/<n>.json snapshot after step n
//	<dir>/<id>/events.jsonl         event log
type FileStore struct {
	Fs  afero.Fs
	Dir string
	Now func() time.Time

	mu sync.Mutex
}

func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{Fs: fs, Dir: dir, Now: time.Now}
}

type fileEvent struct {
	TS      string              `json:"ts"`
	Type    string              `json:"type"`
	Node    string              `json:"node,omitempty"`
	ActorID string              `json:"actor_id"`
	Payload events.EventPayload `json:"payload,omitempty"`
}

func (s *FileStore) statePath(id string) string {
	return filepath.Join(s.Dir, id, "state.json")
}

func (s *FileStore) Save(ctx context.Context, st *domain.WorkflowState, recs ...events.Record) error {
	if st == nil || st.ID == "" {
		return errors.New("workflow id required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	prev, err := s.read(st.ID)
	switch {
	case err == nil:
		stored = prev.Revision
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if stored != st.Revision {
		return fmt.Errorf("%w: workflow %s changed after revision %d", domain.ErrStaleState, st.ID, st.Revision)
	}
	saved := *st
	saved.Revision++
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	cp := filepath.Join(s.Dir, st.ID, "checkpoints", fmt.Sprintf("%06d.json", st.Steps))
	if err := fsutil.WriteFileAtomic(s.Fs, cp, data); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.Fs, s.statePath(st.ID), data); err != nil {
		return err
	}
	st.Revision = saved.Revision
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	log := filepath.Join(s.Dir, st.ID, "events.jsonl")
	for _, rec := range recs {
		line, err := json.Marshal(fileEvent{
			TS:      now().UTC().Format(time.RFC3339),
			Type:    rec.Type,
			Node:    rec.Node,
			ActorID: rec.ActorID,
			Payload: rec.Payload,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := fsutil.AppendLine(s.Fs, log, line); err != nil {
			return fmt.Errorf("append event %s: %w", rec.Type, err)
		}
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*domain.WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) read(id string) (*domain.WorkflowState, error) {
	data, err := afero.ReadFile(s.Fs, s.statePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st domain.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	if st.Retries == nil {
		st.Retries = domain.RetryCounters{}
	}
	return &st, nil
}

// IDs lists stored workflow ids in lexical order, which for ULIDs is creation order.
func (s *FileStore) IDs() ([]string, error) {
	entries, err := afero.ReadDir(s.Fs, s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ok, _ := afero.Exists(s.Fs, s.statePath(e.Name())); ok {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
