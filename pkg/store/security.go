package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// Finding is a persisted security scan hit.
type Finding struct {
	ID         string         `json:"id"`
	IntentID   string         `json:"intent_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	ScanID     string         `json:"scan_id"`
	RuleID     string         `json:"rule_id"`
	Severity   string         `json:"severity"`
	File       string         `json:"file"`
	Line       int            `json:"line"`
	Snippet    string         `json:"snippet"`
	Status     string         `json:"status"`
	CreatedAt  string         `json:"created_at"`
	ResolvedAt string         `json:"resolved_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PutFinding persists one scan finding.
func (s *Store) PutFinding(ctx context.Context, f Finding) error {
	_, err := s.exec(ctx,
		`INSERT INTO security_findings (id, intent_id, tenant_id, scan_id, rule_id, severity,
		                                file, line, snippet, status, created_at, resolved_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   resolved_at = excluded.resolved_at`,
		f.ID, f.IntentID, nullable(f.TenantID), f.ScanID, f.RuleID, f.Severity,
		f.File, f.Line, f.Snippet, f.Status, f.CreatedAt,
		nullable(f.ResolvedAt), marshalJSON(f.Metadata))
	if err != nil {
		return fmt.Errorf("put finding %s: %w", f.ID, err)
	}
	return nil
}

// ListFindings returns findings for an intent, newest first.
func (s *Store) ListFindings(ctx context.Context, intentID string, limit int) ([]Finding, error) {
	rows, err := s.query(ctx,
		`SELECT id, intent_id, tenant_id, scan_id, rule_id, severity, file, line,
		        snippet, status, created_at, resolved_at, metadata
		 FROM security_findings WHERE intent_id = ?
		 ORDER BY created_at DESC, id LIMIT ?`,
		intentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()
	var out []Finding
	for rows.Next() {
		var f Finding
		var tenantID, resolvedAt sql.NullString
		var metadata string
		if err := rows.Scan(&f.ID, &f.IntentID, &tenantID, &f.ScanID, &f.RuleID, &f.Severity,
			&f.File, &f.Line, &f.Snippet, &f.Status, &f.CreatedAt, &resolvedAt, &metadata); err != nil {
			return nil, err
		}
		f.TenantID = fromNull(tenantID)
		f.ResolvedAt = fromNull(resolvedAt)
		f.Metadata = unmarshalMap(metadata)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveFinding marks a finding as resolved.
func (s *Store) ResolveFinding(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE security_findings SET status = 'resolved', resolved_at = ? WHERE id = ?`,
		model.NowISO(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finding %s: %w", id, ErrEventNotFound)
	}
	return nil
}

// CountFindings tallies open findings by severity, optionally scoped to
// an intent or tenant.
func (s *Store) CountFindings(ctx context.Context, intentID, tenantID string) (map[string]int, error) {
	q := `SELECT severity, COUNT(*) FROM security_findings WHERE status != 'resolved'`
	var args []any
	if intentID != "" {
		q += " AND intent_id = ?"
		args = append(args, intentID)
	}
	if tenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	q += " GROUP BY severity"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}

// RecordWebhookDelivery registers a delivery id for dedupe. Returns
// false when the delivery was already seen.
func (s *Store) RecordWebhookDelivery(ctx context.Context, deliveryID, eventType string) (bool, error) {
	q := s.dialect.InsertOrIgnore("webhook_deliveries",
		[]string{"delivery_id", "event_type", "received_at", "status"})
	res, err := s.exec(ctx, q, deliveryID, eventType, model.NowISO(), "accepted")
	if err != nil {
		return false, fmt.Errorf("record webhook delivery %s: %w", deliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
