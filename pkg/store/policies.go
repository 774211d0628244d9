package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// PutAgentPolicy upserts the policy for an agent within a tenant.
func (s *Store) PutAgentPolicy(ctx context.Context, p model.AgentPolicy) error {
	_, err := s.exec(ctx,
		`INSERT INTO agent_policies (agent_id, tenant_id, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, tenant_id) DO UPDATE SET
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		p.AgentID, p.TenantID, marshalJSON(p), model.NowISO())
	if err != nil {
		return fmt.Errorf("put agent policy %s: %w", p.AgentID, err)
	}
	return nil
}

// GetAgentPolicy loads the policy for an agent, reporting whether one
// was stored. Callers fall back to the restrictive default otherwise.
func (s *Store) GetAgentPolicy(ctx context.Context, agentID, tenantID string) (model.AgentPolicy, bool, error) {
	var raw string
	err := s.queryRow(ctx,
		`SELECT data FROM agent_policies WHERE agent_id = ? AND tenant_id = ?`,
		agentID, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.AgentPolicy{}, false, nil
	}
	if err != nil {
		return model.AgentPolicy{}, false, fmt.Errorf("get agent policy %s: %w", agentID, err)
	}
	var p model.AgentPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.AgentPolicy{}, false, fmt.Errorf("decode agent policy %s: %w", agentID, err)
	}
	return p, true, nil
}

// ListAgentPolicies returns all stored agent policies for a tenant.
func (s *Store) ListAgentPolicies(ctx context.Context, tenantID string) ([]model.AgentPolicy, error) {
	rows, err := s.query(ctx,
		`SELECT data FROM agent_policies WHERE tenant_id = ? ORDER BY agent_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agent policies: %w", err)
	}
	defer rows.Close()
	var out []model.AgentPolicy
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p model.AgentPolicy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutComplianceThresholds stores tenant SLO overrides.
func (s *Store) PutComplianceThresholds(ctx context.Context, tenantID string, thresholds map[string]float64) error {
	_, err := s.exec(ctx,
		`INSERT INTO compliance_thresholds (tenant_id, data, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		tenantID, marshalJSON(thresholds), model.NowISO())
	return err
}

// GetComplianceThresholds loads tenant SLO overrides, if any.
func (s *Store) GetComplianceThresholds(ctx context.Context, tenantID string) (map[string]float64, bool, error) {
	var raw string
	err := s.queryRow(ctx,
		`SELECT data FROM compliance_thresholds WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t map[string]float64
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// RiskPolicy is a versioned snapshot of policy configuration. Updates
// append a new version; the newest active version wins.
type RiskPolicy struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Version   int            `json:"version"`
	Data      map[string]any `json:"data"`
	Active    bool           `json:"active"`
	CreatedAt string         `json:"created_at"`
}

// PutRiskPolicy stores a new policy version for a tenant, superseding
// the current one.
func (s *Store) PutRiskPolicy(ctx context.Context, tenantID string, data map[string]any) (RiskPolicy, error) {
	var version int
	err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM risk_policies WHERE tenant_id = ?`, tenantID).Scan(&version)
	if err != nil {
		return RiskPolicy{}, fmt.Errorf("risk policy version: %w", err)
	}
	p := RiskPolicy{
		ID:        model.NewID(),
		TenantID:  tenantID,
		Version:   version + 1,
		Data:      data,
		Active:    true,
		CreatedAt: model.NowISO(),
	}
	if _, err := s.exec(ctx,
		`UPDATE risk_policies SET active = 0 WHERE tenant_id = ?`, tenantID); err != nil {
		return RiskPolicy{}, fmt.Errorf("supersede risk policy: %w", err)
	}
	if _, err := s.exec(ctx,
		`INSERT INTO risk_policies (id, tenant_id, version, data, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		p.ID, p.TenantID, p.Version, marshalJSON(p.Data), p.CreatedAt); err != nil {
		return RiskPolicy{}, fmt.Errorf("put risk policy: %w", err)
	}
	return p, nil
}

// GetActiveRiskPolicy loads the newest active policy version for a tenant.
func (s *Store) GetActiveRiskPolicy(ctx context.Context, tenantID string) (RiskPolicy, bool, error) {
	var p RiskPolicy
	var raw string
	var active int
	err := s.queryRow(ctx,
		`SELECT id, tenant_id, version, data, active, created_at
		 FROM risk_policies WHERE tenant_id = ? AND active = 1
		 ORDER BY version DESC LIMIT 1`, tenantID).
		Scan(&p.ID, &p.TenantID, &p.Version, &raw, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return RiskPolicy{}, false, nil
	}
	if err != nil {
		return RiskPolicy{}, false, err
	}
	p.Active = active != 0
	p.Data = unmarshalMap(raw)
	return p, true, nil
}
