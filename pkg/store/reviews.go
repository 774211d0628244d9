package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// PutReviewTask upserts a review task.
func (s *Store) PutReviewTask(ctx context.Context, t model.ReviewTask) error {
	_, err := s.exec(ctx,
		`INSERT INTO review_tasks (id, intent_id, tenant_id, status, risk_level, assignee, reason,
		                           created_at, updated_at, due_at, completed_at, decision,
		                           decided_by, notes, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   assignee = excluded.assignee,
		   updated_at = excluded.updated_at,
		   completed_at = excluded.completed_at,
		   decision = excluded.decision,
		   decided_by = excluded.decided_by,
		   notes = excluded.notes,
		   context = excluded.context`,
		t.ID, t.IntentID, nullable(t.TenantID), t.Status, string(t.RiskLevel),
		nullable(t.Assignee), t.Reason, t.CreatedAt, t.UpdatedAt, t.DueAt,
		nullable(t.CompletedAt), nullable(t.Decision), nullable(t.DecidedBy),
		nullable(t.Notes), marshalJSON(t.Context))
	if err != nil {
		return fmt.Errorf("put review task %s: %w", t.ID, err)
	}
	return nil
}

// GetReviewTask loads one review task by id.
func (s *Store) GetReviewTask(ctx context.Context, id string) (model.ReviewTask, error) {
	row := s.queryRow(ctx,
		`SELECT id, intent_id, tenant_id, status, risk_level, assignee, reason,
		        created_at, updated_at, due_at, completed_at, decision, decided_by, notes, context
		 FROM review_tasks WHERE id = ?`, id)
	t, err := scanReviewTask(row)
	if err == sql.ErrNoRows {
		return model.ReviewTask{}, ErrReviewNotFound
	}
	return t, err
}

// ReviewFilter narrows ListReviewTasks.
type ReviewFilter struct {
	Status   string
	IntentID string
	Assignee string
	TenantID string
	Limit    int
}

// ListReviewTasks returns tasks matching the filter, oldest due first.
func (s *Store) ListReviewTasks(ctx context.Context, f ReviewFilter) ([]model.ReviewTask, error) {
	q := `SELECT id, intent_id, tenant_id, status, risk_level, assignee, reason,
	             created_at, updated_at, due_at, completed_at, decision, decided_by, notes, context
	      FROM review_tasks`
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.IntentID != "" {
		clauses = append(clauses, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	q, args = buildFilter(q, clauses, args)
	q += " ORDER BY due_at ASC, id ASC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list review tasks: %w", err)
	}
	defer rows.Close()
	var out []model.ReviewTask
	for rows.Next() {
		t, err := scanReviewTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanReviewTask(r rowScanner) (model.ReviewTask, error) {
	var t model.ReviewTask
	var riskLevel string
	var tenantID, assignee, completedAt, decision, decidedBy, notes sql.NullString
	var contextJSON string
	if err := r.Scan(&t.ID, &t.IntentID, &tenantID, &t.Status, &riskLevel, &assignee,
		&t.Reason, &t.CreatedAt, &t.UpdatedAt, &t.DueAt, &completedAt,
		&decision, &decidedBy, &notes, &contextJSON); err != nil {
		return model.ReviewTask{}, err
	}
	t.TenantID = fromNull(tenantID)
	t.RiskLevel = model.RiskLevel(riskLevel)
	t.Assignee = fromNull(assignee)
	t.CompletedAt = fromNull(completedAt)
	t.Decision = fromNull(decision)
	t.DecidedBy = fromNull(decidedBy)
	t.Notes = fromNull(notes)
	t.Context = unmarshalMap(contextJSON)
	return t, nil
}
