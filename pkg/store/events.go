package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// AppendEvent persists a single event. The caller owns id and timestamp;
// the store never rewrites them.
func (s *Store) AppendEvent(ctx context.Context, e model.Event) error {
	_, err := s.exec(ctx,
		`INSERT INTO events (id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TraceID, e.Timestamp, e.EventType,
		nullable(e.IntentID), nullable(e.AgentID), nullable(e.TenantID),
		marshalJSON(e.Payload), marshalJSON(e.Evidence))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("append event %s: %w", e.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

// EventFilter narrows a Query. Zero values mean "no filter".
type EventFilter struct {
	EventType string
	IntentID  string
	AgentID   string
	TenantID  string
	Since     string // ISO timestamp, inclusive lower bound
	Until     string // ISO timestamp, inclusive upper bound
	Limit     int
	Ascending bool
}

// clauses translates the filter into WHERE fragments and args.
func (f EventFilter) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.IntentID != "" {
		clauses = append(clauses, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Since != "" {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until)
	}
	return clauses, args
}

// QueryEvents returns events matching the filter, newest first unless
// Ascending is set.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	q := `SELECT id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence FROM events`
	clauses, args := f.clauses()
	q, args = buildFilter(q, clauses, args)
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	q += " ORDER BY timestamp " + order + ", id " + order + " LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.queryRow(ctx,
		`SELECT id, trace_id, timestamp, event_type, intent_id, agent_id, tenant_id, payload, evidence
		 FROM events WHERE id = ?`, id)
	e, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return model.Event{}, ErrEventNotFound
	}
	return e, err
}

// CountEvents returns the number of events matching the filter. Limit
// and ordering are ignored.
func (s *Store) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	q := `SELECT COUNT(*) FROM events`
	clauses, args := f.clauses()
	q, args = buildFilter(q, clauses, args)
	var n int
	err := s.queryRow(ctx, q, args...).Scan(&n)
	return n, err
}

// PruneEvents deletes events strictly older than before, optionally
// scoped to a tenant, and returns the affected count. Dry-run reports
// the count without deleting. This is the only deletion path; pruning
// breaks the hash chain until it is re-initialized.
func (s *Store) PruneEvents(ctx context.Context, before, tenantID string, dryRun bool) (int, error) {
	where := " WHERE timestamp < ?"
	args := []any{before}
	if tenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prunable events: %w", err)
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if _, err := s.exec(ctx, `DELETE FROM events`+where, args...); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(r rowScanner) (model.Event, error) {
	return scanEventRow(r)
}

func scanEventRow(r rowScanner) (model.Event, error) {
	var e model.Event
	var intentID, agentID, tenantID sql.NullString
	var payload, evidence string
	if err := r.Scan(&e.ID, &e.TraceID, &e.Timestamp, &e.EventType,
		&intentID, &agentID, &tenantID, &payload, &evidence); err != nil {
		return model.Event{}, err
	}
	e.IntentID = fromNull(intentID)
	e.AgentID = fromNull(agentID)
	e.TenantID = fromNull(tenantID)
	e.Payload = unmarshalMap(payload)
	e.Evidence = unmarshalMap(evidence)
	return e, nil
}

// ChainMain is the single audit chain covering the whole event log.
const ChainMain = "main"

// ChainState is the persisted head of an audit hash chain.
type ChainState struct {
	ChainID    string `json:"chain_id"`
	HeadHash   string `json:"head_hash"`
	EventCount int    `json:"event_count"`
	UpdatedAt  string `json:"updated_at"`
}

// GetChainState loads the anchored chain head, if one exists.
func (s *Store) GetChainState(ctx context.Context, chainID string) (ChainState, bool, error) {
	var cs ChainState
	err := s.queryRow(ctx,
		`SELECT chain_id, head_hash, event_count, updated_at FROM event_chain_state WHERE chain_id = ?`,
		chainID).Scan(&cs.ChainID, &cs.HeadHash, &cs.EventCount, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return ChainState{}, false, nil
	}
	if err != nil {
		return ChainState{}, false, err
	}
	return cs, true, nil
}

// PutChainState upserts the anchored chain head.
func (s *Store) PutChainState(ctx context.Context, cs ChainState) error {
	_, err := s.exec(ctx,
		`INSERT INTO event_chain_state (chain_id, head_hash, event_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chain_id) DO UPDATE SET
		   head_hash = excluded.head_hash,
		   event_count = excluded.event_count,
		   updated_at = excluded.updated_at`,
		cs.ChainID, cs.HeadHash, cs.EventCount, model.NowISO())
	return err
}
