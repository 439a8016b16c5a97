package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

const (
	FeedbackPending  = "pending"
	FeedbackAnswered = "answered"
)

const feedbackColumns = `id,workflow_id,step,stage,prompt,artifact,COALESCE(automated,''),status,response,answered_by,created_at,answered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner) (domain.FeedbackRequest, error) {
	var fr domain.FeedbackRequest
	var stage string
	var response, answeredBy, answeredAt sql.NullString
	err := row.Scan(&fr.ID, &fr.WorkflowID, &fr.Step, &stage, &fr.Prompt, &fr.Artifact, &fr.Automated, &fr.Status, &response, &answeredBy, &fr.CreatedAt, &answeredAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	fr.Stage = domain.StageID(stage)
	if response.Valid {
		fr.Response = &response.String
	}
	if answeredBy.Valid {
		fr.AnsweredBy = &answeredBy.String
	}
	if answeredAt.Valid {
		fr.AnsweredAt = &answeredAt.String
	}
	return fr, nil
}

func (r Repo) InsertFeedbackRequest(ctx context.Context, tx *sql.Tx, fr domain.FeedbackRequest) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO feedback_requests(id,workflow_id,step,stage,prompt,artifact,automated,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		fr.ID, fr.WorkflowID, fr.Step, string(fr.Stage), fr.Prompt, fr.Artifact, nullable(fr.Automated), fr.Status, fr.CreatedAt)
	return err
}

func (r Repo) FeedbackForStep(ctx context.Context, workflowID string, step int) (domain.FeedbackRequest, error) {
	return scanFeedback(r.DB.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_requests WHERE workflow_id=? AND step=?`, workflowID, step))
}

// PendingFeedback returns the open request of a workflow.
func (r Repo) PendingFeedback(ctx context.Context, workflowID string) (domain.FeedbackRequest, error) {
	return scanFeedback(r.DB.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_requests WHERE workflow_id=? AND status=? ORDER BY step DESC LIMIT 1`, workflowID, FeedbackPending))
}

func (r Repo) pendingFeedbackTx(ctx context.Context, tx *sql.Tx, workflowID string) (domain.FeedbackRequest, error) {
	return scanFeedback(tx.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_requests WHERE workflow_id=? AND status=? ORDER BY step DESC LIMIT 1`, workflowID, FeedbackPending))
}

func (r Repo) ListFeedback(ctx context.Context, status string) ([]domain.FeedbackRequest, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_requests`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, workflow_id, step DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackRequest
	for rows.Next() {
		fr, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

// RequestFeedback records a pending request for the given step unless one already exists.
// It returns the stored request, which may already carry an answer.
func (s Store) RequestFeedback(ctx context.Context, fr domain.FeedbackRequest) (domain.FeedbackRequest, error) {
	existing, err := s.Repo.FeedbackForStep(ctx, fr.WorkflowID, fr.Step)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.FeedbackRequest{}, err
	}
	if fr.ID == "" {
		fr.ID = uuid.NewString()
	}
	fr.Status = FeedbackPending
	fr.CreatedAt = nowRFC3339(s.now)

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackRequest{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertFeedbackRequest(ctx, tx, fr); err != nil {
		return domain.FeedbackRequest{}, fmt.Errorf("insert feedback request: %w", err)
	}
	w := s.Events
	w.Now = s.now
	if err := w.Append(ctx, tx, events.FeedbackRequested, fr.WorkflowID, string(domain.Node(fr.Stage, domain.StepHumanReview)), "forgeline",
		events.EventPayload{"request_id": fr.ID, "step": fr.Step, "stage": fr.Stage}); err != nil {
		return domain.FeedbackRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FeedbackRequest{}, err
	}
	return fr, nil
}

// AnswerFeedback stores the reviewer response on the workflow's pending request.
// An empty response is stored as-is and later read as "no input".
func (s Store) AnswerFeedback(ctx context.Context, workflowID, response, actorID string) (domain.FeedbackRequest, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.FeedbackRequest{}, errors.New("actor_id required")
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackRequest{}, err
	}
	defer tx.Rollback()
	fr, err := s.Repo.pendingFeedbackTx(ctx, tx, workflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fr, fmt.Errorf("no pending feedback request for workflow %s: %w", workflowID, ErrNotFound)
		}
		return fr, err
	}
	ts := nowRFC3339(s.now)
	if _, err := tx.ExecContext(ctx, `UPDATE feedback_requests SET status=?, response=?, answered_by=?, answered_at=? WHERE id=?`,
		FeedbackAnswered, response, actorID, ts, fr.ID); err != nil {
		return fr, err
	}
	w := s.Events
	w.Now = s.now
	if err := w.Append(ctx, tx, events.FeedbackSubmitted, workflowID, string(domain.Node(fr.Stage, domain.StepHumanReview)), actorID,
		events.EventPayload{"request_id": fr.ID, "step": fr.Step, "empty": strings.TrimSpace(response) == ""}); err != nil {
		return fr, err
	}
	if err := tx.Commit(); err != nil {
		return fr, err
	}
	fr.Status = FeedbackAnswered
	fr.Response = &response
	fr.AnsweredBy = &actorID
	fr.AnsweredAt = &ts
	return fr, nil
}
