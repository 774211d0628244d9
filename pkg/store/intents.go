package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// PutIntent upserts the current state of an intent. The intents table is
// a projection of intent events kept inline for cheap queue scans.
func (s *Store) PutIntent(ctx context.Context, in model.Intent) error {
	_, err := s.exec(ctx,
		`INSERT INTO intents (id, source, target, status, created_at, created_by, risk_level,
		                      priority, semantic, technical, checks_required, dependencies,
		                      retries, tenant_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   source = excluded.source,
		   target = excluded.target,
		   status = excluded.status,
		   risk_level = excluded.risk_level,
		   priority = excluded.priority,
		   semantic = excluded.semantic,
		   technical = excluded.technical,
		   checks_required = excluded.checks_required,
		   dependencies = excluded.dependencies,
		   retries = excluded.retries,
		   tenant_id = excluded.tenant_id,
		   updated_at = excluded.updated_at`,
		in.ID, in.Source, in.Target, string(in.Status), in.CreatedAt, in.CreatedBy,
		string(in.RiskLevel), in.Priority, marshalJSON(in.Semantic), marshalJSON(in.Technical),
		marshalJSON(orEmpty(in.ChecksRequired)), marshalJSON(orEmpty(in.Dependencies)),
		in.Retries, nullable(in.TenantID), model.NowISO())
	if err != nil {
		return fmt.Errorf("put intent %s: %w", in.ID, err)
	}
	return nil
}

// GetIntent loads one intent by id.
func (s *Store) GetIntent(ctx context.Context, id string) (model.Intent, error) {
	row := s.queryRow(ctx,
		`SELECT id, source, target, status, created_at, created_by, risk_level, priority,
		        semantic, technical, checks_required, dependencies, retries, tenant_id
		 FROM intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return model.Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return model.Intent{}, fmt.Errorf("get intent %s: %w", id, err)
	}
	return in, nil
}

// IntentFilter narrows ListIntents.
type IntentFilter struct {
	Status   model.Status
	TenantID string
	Limit    int
}

// ListIntents returns intents ordered by priority then id, which is the
// queue processing order.
func (s *Store) ListIntents(ctx context.Context, f IntentFilter) ([]model.Intent, error) {
	q := `SELECT id, source, target, status, created_at, created_by, risk_level, priority,
	             semantic, technical, checks_required, dependencies, retries, tenant_id
	      FROM intents`
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	q, args = buildFilter(q, clauses, args)
	q += " ORDER BY priority ASC, id ASC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateIntentStatus transitions an intent's status and retry count.
func (s *Store) UpdateIntentStatus(ctx context.Context, id string, status model.Status, retries int) error {
	res, err := s.exec(ctx,
		`UPDATE intents SET status = ?, retries = ?, updated_at = ? WHERE id = ?`,
		string(status), retries, model.NowISO(), id)
	if err != nil {
		return fmt.Errorf("update intent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// UpdateIntentRiskLevel reclassifies an intent after risk evaluation.
func (s *Store) UpdateIntentRiskLevel(ctx context.Context, id string, level model.RiskLevel) error {
	res, err := s.exec(ctx,
		`UPDATE intents SET risk_level = ?, updated_at = ? WHERE id = ?`,
		string(level), model.NowISO(), id)
	if err != nil {
		return fmt.Errorf("update intent %s risk level: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func scanIntent(r rowScanner) (model.Intent, error) {
	var in model.Intent
	var status, riskLevel string
	var semantic, technical, checks, deps string
	var tenantID sql.NullString
	if err := r.Scan(&in.ID, &in.Source, &in.Target, &status, &in.CreatedAt, &in.CreatedBy,
		&riskLevel, &in.Priority, &semantic, &technical, &checks, &deps,
		&in.Retries, &tenantID); err != nil {
		return model.Intent{}, err
	}
	in.Status = model.Status(status)
	in.RiskLevel = model.RiskLevel(riskLevel)
	in.Semantic = unmarshalMap(semantic)
	in.Technical = unmarshalMap(technical)
	in.ChecksRequired = unmarshalStrings(checks)
	in.Dependencies = unmarshalStrings(deps)
	in.TenantID = fromNull(tenantID)
	return in, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
