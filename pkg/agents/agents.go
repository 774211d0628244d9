// Package agents bounds what autonomous actors (CI bots, assistants)
// may do. Every authorization decision is recorded in the event log so
// the audit chain covers machine actions the same way it covers merges.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// ComplianceChecker reports whether the tenant's SLOs currently pass.
// Wired to the compliance projection; injected to keep the packages
// decoupled.
type ComplianceChecker func(ctx context.Context, tenantID string) (bool, error)

// Service evaluates agent policies against intents.
type Service struct {
	events     *eventlog.Log
	compliance ComplianceChecker
	approvals  *ApprovalVerifier
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCompliance wires the compliance projection into authorization.
func WithCompliance(c ComplianceChecker) Option {
	return func(s *Service) { s.compliance = c }
}

// WithApprovalVerifier enables signed approval tokens.
func WithApprovalVerifier(v *ApprovalVerifier) Option {
	return func(s *Service) { s.approvals = v }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds an agent authorization service.
func NewService(events *eventlog.Log, opts ...Option) *Service {
	s := &Service{events: events, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPolicy returns the stored policy for an agent, or a permissive
// empty policy when none is registered. Unknown agents that need the
// restrictive default should go through DefaultAgentPolicy explicitly.
func (s *Service) GetPolicy(ctx context.Context, agentID, tenantID string) (model.AgentPolicy, error) {
	pol, found, err := s.events.Store().GetAgentPolicy(ctx, agentID, tenantID)
	if err != nil {
		return model.AgentPolicy{}, err
	}
	if !found {
		return model.AgentPolicy{AgentID: agentID, TenantID: tenantID}, nil
	}
	return pol, nil
}

// SetPolicy stores an agent policy and records the change.
func (s *Service) SetPolicy(ctx context.Context, pol model.AgentPolicy) error {
	if err := s.events.Store().PutAgentPolicy(ctx, pol); err != nil {
		return err
	}
	payload := map[string]any{
		"agent_id": pol.AgentID, "atl": pol.ATL,
		"max_risk_score":     pol.MaxRiskScore,
		"max_blast_severity": pol.MaxBlastSeverity,
		"allow_actions":      pol.AllowActions,
	}
	_, err := s.events.Append(ctx, model.Event{
		EventType: model.EventAgentPolicyUpdated,
		AgentID:   pol.AgentID,
		TenantID:  pol.TenantID,
		Payload:   payload,
	})
	return err
}

// ListPolicies returns all agent policies for a tenant.
func (s *Service) ListPolicies(ctx context.Context, tenantID string) ([]model.AgentPolicy, error) {
	return s.events.Store().ListAgentPolicies(ctx, tenantID)
}

// AuthorizeRequest asks whether an agent may run an action on an intent.
type AuthorizeRequest struct {
	AgentID        string
	Action         string
	IntentID       string
	TenantID       string
	HumanApprovals int
	ApprovalTokens []string // signed approval tokens, verified when a verifier is wired
}

// Authorization is the recorded outcome of an authorization check.
type Authorization struct {
	AgentID         string         `json:"agent_id"`
	Action          string         `json:"action"`
	IntentID        string         `json:"intent_id"`
	Allowed         bool           `json:"allowed"`
	Reasons         []string       `json:"reasons"`
	ATL             int            `json:"atl"`
	EffectiveLimits map[string]any `json:"effective_limits"`
	HumanApprovals  int            `json:"human_approvals"`
	Timestamp       string         `json:"timestamp"`
}

// Authorize evaluates an agent's policy against the intent's recorded
// risk, the tenant's compliance state, and the approval requirements.
// The decision is appended to the event log regardless of outcome.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	pol, err := s.GetPolicy(ctx, req.AgentID, req.TenantID)
	if err != nil {
		return Authorization{}, err
	}

	approvals := req.HumanApprovals
	if s.approvals != nil && len(req.ApprovalTokens) > 0 {
		verified, verr := s.approvals.CountValid(req.ApprovalTokens, req.IntentID)
		if verr != nil {
			return Authorization{}, verr
		}
		if verified > approvals {
			approvals = verified
		}
	}

	var reasons []string
	allowed := true
	deny := func(reason string) {
		reasons = append(reasons, reason)
		allowed = false
	}

	if pol.ExpiresAt != "" {
		if exp, perr := time.Parse(model.ISOFormat, pol.ExpiresAt); perr == nil && s.now().UTC().After(exp) {
			deny(fmt.Sprintf("Policy expired at %s", pol.ExpiresAt))
		}
	}

	limits := map[string]any{
		"max_risk_score":     pol.MaxRiskScore,
		"max_blast_severity": pol.MaxBlastSeverity,
		"min_test_coverage":  pol.MinTestCoverage,
	}
	if overrides, ok := pol.ActionOverrides[req.Action]; ok {
		for k, v := range overrides {
			limits[k] = v
		}
	}

	if !contains(pol.AllowActions, req.Action) {
		deny(fmt.Sprintf("Action '%s' not in allowed actions: %v", req.Action, pol.AllowActions))
	}

	intent, ierr := s.events.Store().GetIntent(ctx, req.IntentID)
	haveIntent := ierr == nil
	if ierr != nil && ierr != store.ErrIntentNotFound {
		return Authorization{}, ierr
	}

	if haveIntent {
		events, qerr := s.events.Query(ctx, store.EventFilter{
			EventType: model.EventRiskEvaluated, IntentID: req.IntentID, Limit: 1,
		})
		if qerr != nil {
			return Authorization{}, qerr
		}
		if len(events) > 0 {
			riskScore := model.Float(events[0].Payload["risk_score"])
			if riskScore > model.Float(limits["max_risk_score"]) {
				deny(fmt.Sprintf("Risk score %.0f > agent limit %v", riskScore, limits["max_risk_score"]))
			}

			damage := model.Float(events[0].Payload["damage_score"])
			actual := blastSeverity(damage)
			maxSev := model.Str(limits["max_blast_severity"])
			if maxSev == "" {
				maxSev = pol.MaxBlastSeverity
			}
			if severityRank[actual] > severityRank[maxSev] {
				deny(fmt.Sprintf("Blast severity '%s' exceeds agent limit '%s'", actual, maxSev))
			}
		}

		if pol.RequireCompliancePass && s.compliance != nil {
			passed, cerr := s.compliance(ctx, req.TenantID)
			if cerr != nil {
				return Authorization{}, cerr
			}
			if !passed {
				deny("Compliance check not passing")
			}
		}
	}

	if pol.RequireHumanApproval && approvals < 1 {
		deny("Human approval required but none provided")
	}
	if haveIntent && intent.RiskLevel == model.RiskCritical && pol.RequireDualApprovalCritical && approvals < 2 {
		deny(fmt.Sprintf("Critical risk requires 2 approvals, got %d", approvals))
	}

	auth := Authorization{
		AgentID:         req.AgentID,
		Action:          req.Action,
		IntentID:        req.IntentID,
		Allowed:         allowed,
		Reasons:         reasons,
		ATL:             pol.ATL,
		EffectiveLimits: limits,
		HumanApprovals:  approvals,
		Timestamp:       s.now().UTC().Format(model.ISOFormat),
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventAgentAuthorized,
		AgentID:   req.AgentID,
		IntentID:  req.IntentID,
		TenantID:  req.TenantID,
		Payload: map[string]any{
			"agent_id": auth.AgentID, "action": auth.Action, "intent_id": auth.IntentID,
			"allowed": auth.Allowed, "reasons": auth.Reasons, "atl": auth.ATL,
			"effective_limits": auth.EffectiveLimits,
			"human_approvals":  auth.HumanApprovals, "timestamp": auth.Timestamp,
		},
		Evidence: map[string]any{"allowed": allowed, "action": req.Action},
	})
	return auth, err
}

// blastSeverity bands the damage score into a severity label.
func blastSeverity(damage float64) string {
	switch {
	case damage < 30:
		return "low"
	case damage < 50:
		return "medium"
	case damage < 75:
		return "high"
	default:
		return "critical"
	}
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
