package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// Store is the SQLite checkpoint store. Each save overwrites the workflow snapshot, appends to the
// checkpoint log and writes the accompanying events in one transaction. Saves are compare-and-swap
// on WorkflowState.Revision; on success st.Revision holds the stored revision.
type Store struct {
	Repo   Repo
	Events events.Writer
	Now    func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{Repo: Repo{DB: db}, Events: events.Writer{}, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) Save(ctx context.Context, st *domain.WorkflowState, recs ...events.Record) error {
	if st == nil || st.ID == "" {
		return errors.New("workflow id required")
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.Repo.UpsertWorkflow(ctx, tx, *st); err != nil {
		return err
	}
	saved := *st
	saved.Revision++
	if err := s.Repo.InsertCheckpoint(ctx, tx, saved); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	w := s.Events
	if w.Now == nil {
		w.Now = s.now
	}
	for _, rec := range recs {
		if err := w.Append(ctx, tx, rec.Type, st.ID, rec.Node, rec.ActorID, rec.Payload); err != nil {
			return fmt.Errorf("append event %s: %w", rec.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.Revision = saved.Revision
	return nil
}

func (s Store) Load(ctx context.Context, id string) (*domain.WorkflowState, error) {
	st, err := s.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Acquire claims the workflow lease. The same owner may re-claim to extend it.
func (s Store) Acquire(ctx context.Context, workflowID, ownerID string, ttl time.Duration) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	existing, err := s.Repo.GetLeaseTx(ctx, tx, workflowID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		exp, _ := time.Parse(time.RFC3339Nano, existing.ExpiresAt)
		if now.Before(exp) && existing.OwnerID != ownerID {
			return fmt.Errorf("%w: lease held by %s until %s", domain.ErrInstanceBusy, existing.OwnerID, existing.ExpiresAt)
		}
	}
	lease := domain.Lease{
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		AcquiredAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339Nano),
	}
	if err := s.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Store) Release(ctx context.Context, workflowID, ownerID string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.DeleteLease(ctx, tx, workflowID, ownerID); err != nil {
		return err
	}
	return tx.Commit()
}
