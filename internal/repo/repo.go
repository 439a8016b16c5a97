package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// UpsertWorkflow writes st as revision st.Revision+1, but only while the stored revision is still
// st.Revision. Revision 0 inserts a workflow that must not exist yet. Anything else is
// domain.ErrStaleState: another writer saved or abandoned the workflow since st was loaded.
func (r Repo) UpsertWorkflow(ctx context.Context, tx *sql.Tx, st domain.WorkflowState) error {
	expected := st.Revision
	st.Revision = expected + 1
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var res sql.Result
	if expected == 0 {
		res, err = r.execer(tx).ExecContext(ctx, `INSERT INTO workflows(id,requirement,status,current_node,steps,state_json,created_at,updated_at,revision) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
			st.ID, st.Requirement, string(st.Status), string(st.Current), st.Steps, string(payload), st.CreatedAt, st.UpdatedAt, st.Revision)
	} else {
		res, err = r.execer(tx).ExecContext(ctx, `UPDATE workflows SET status=?, current_node=?, steps=?, state_json=?, updated_at=?, revision=? WHERE id=? AND revision=?`,
			string(st.Status), string(st.Current), st.Steps, string(payload), st.UpdatedAt, st.Revision, st.ID, expected)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: workflow %s changed after revision %d", domain.ErrStaleState, st.ID, expected)
	}
	return nil
}

// InsertCheckpoint appends the snapshot to the checkpoint log.
func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, st domain.WorkflowState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO checkpoints(workflow_id,steps,node,state_json,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(workflow_id,steps) DO UPDATE SET node=excluded.node, state_json=excluded.state_json, created_at=excluded.created_at`,
		st.ID, st.Steps, string(st.Current), string(payload), st.UpdatedAt)
	return err
}

func scanState(row *sql.Row) (domain.WorkflowState, error) {
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.WorkflowState{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkflowState{}, err
	}
	return decodeState(payload)
}

// scanWorkflow reads a workflows row; the revision column is authoritative.
func scanWorkflow(row *sql.Row) (domain.WorkflowState, error) {
	var payload string
	var revision int
	err := row.Scan(&payload, &revision)
	if err == sql.ErrNoRows {
		return domain.WorkflowState{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkflowState{}, err
	}
	st, err := decodeState(payload)
	st.Revision = revision
	return st, err
}

func decodeState(payload string) (domain.WorkflowState, error) {
	var st domain.WorkflowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return st, fmt.Errorf("decode state: %w", err)
	}
	if st.Retries == nil {
		st.Retries = domain.RetryCounters{}
	}
	return st, nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.WorkflowState, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT state_json, revision FROM workflows WHERE id=?`, id))
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowState, error) {
	return scanWorkflow(tx.QueryRowContext(ctx, `SELECT state_json, revision FROM workflows WHERE id=?`, id))
}

// GetCheckpoint returns the snapshot written after the given step.
func (r Repo) GetCheckpoint(ctx context.Context, id string, steps int) (domain.WorkflowState, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT state_json FROM checkpoints WHERE workflow_id=? AND steps=?`, id, steps))
}

type WorkflowFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.WorkflowSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,requirement,status,current_node,steps,created_at,updated_at FROM workflows WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowSummary
	for rows.Next() {
		var w domain.WorkflowSummary
		if err := rows.Scan(&w.ID, &w.Requirement, &w.Status, &w.Current, &w.Steps, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListCheckpoints(ctx context.Context, workflowID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id,steps,node,created_at FROM checkpoints WHERE workflow_id=? ORDER BY steps ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		if err := rows.Scan(&c.WorkflowID, &c.Steps, &c.Node, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_leases(workflow_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(workflow_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.WorkflowID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, workflowID, ownerID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM workflow_leases WHERE workflow_id=? AND owner_id=?`, workflowID, ownerID)
	return err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, workflowID string) (domain.Lease, error) {
	return scanLease(ctx, tx, workflowID)
}

func (r Repo) GetLease(ctx context.Context, workflowID string) (domain.Lease, error) {
	return scanLease(ctx, r.DB, workflowID)
}

func scanLease(ctx context.Context, q queryer, workflowID string) (domain.Lease, error) {
	var l domain.Lease
	err := q.QueryRowContext(ctx, `SELECT workflow_id,owner_id,acquired_at,expires_at FROM workflow_leases WHERE workflow_id=?`, workflowID).
		Scan(&l.WorkflowID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// LatestEvents returns events newest first. A cursor > 0 returns only events older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, workflowID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if workflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, workflowID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(workflow_id,''),COALESCE(node,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, workflowID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if workflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, workflowID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(workflow_id,''),COALESCE(node,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkflowID, &e.Node, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a workflow.
func (r Repo) LatestEventID(ctx context.Context, workflowID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id=?`
		args = append(args, workflowID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nowRFC3339(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
