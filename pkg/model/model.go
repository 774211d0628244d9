// Package model defines the core domain types of the merge coordination
// plane: intents, events, risk evaluations, policies, and the projection
// output shapes derived from the event log.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusReady     Status = "READY"
	StatusValidated Status = "VALIDATED"
	StatusQueued    Status = "QUEUED"
	StatusMerged    Status = "MERGED"
	StatusRejected  Status = "REJECTED"
)

// RiskLevel classifies an intent by its evaluated risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PolicyVerdict is the outcome of a policy evaluation.
type PolicyVerdict string

const (
	VerdictAllow PolicyVerdict = "ALLOW"
	VerdictBlock PolicyVerdict = "BLOCK"
)

// GateName identifies an individual policy gate.
type GateName string

const (
	GateVerification GateName = "verification"
	GateContainment  GateName = "containment"
	GateEntropy      GateName = "entropy"
	GateRisk         GateName = "risk"
)

// NewID returns a short unique identifier: the first 12 hex characters
// of a random UUID. Collision-safe at the scale of a single event log.
func NewID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand exhaustion is not recoverable here; fall back to
		// a direct random read so callers never see an empty id.
		var b [6]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return hex.EncodeToString(u[:6])
}

// NewTraceID returns a correlation id for a multi-event operation.
func NewTraceID() string {
	return "trace-" + NewID()
}

// NowISO returns the current UTC time in RFC 3339 format with
// microsecond precision, the canonical timestamp format of the event log.
func NowISO() string {
	return time.Now().UTC().Format(ISOFormat)
}

// ISOFormat is the timestamp layout used everywhere in the event log.
const ISOFormat = "2006-01-02T15:04:05.999999Z07:00"

// Intent is a requested merge of a source ref into a target ref,
// carrying the semantic and technical context needed to evaluate it.
type Intent struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Target         string         `json:"target"`
	Status         Status         `json:"status"`
	CreatedAt      string         `json:"created_at"`
	CreatedBy      string         `json:"created_by"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Priority       int            `json:"priority"`
	Semantic       map[string]any `json:"semantic"`
	Technical      map[string]any `json:"technical"`
	ChecksRequired []string       `json:"checks_required"`
	Dependencies   []string       `json:"dependencies"`
	Retries        int            `json:"retries"`
	TenantID       string         `json:"tenant_id,omitempty"`
}

// NewIntent constructs an intent with the defaults applied at submission.
func NewIntent(id, source, target string) Intent {
	return Intent{
		ID:        id,
		Source:    source,
		Target:    target,
		Status:    StatusReady,
		CreatedAt: NowISO(),
		CreatedBy: "system",
		RiskLevel: RiskMedium,
		Priority:  3,
		Semantic:  map[string]any{},
		Technical: map[string]any{},
	}
}

// ScopeHint returns the declared file scope from the technical context.
func (i Intent) ScopeHint() []string {
	return stringSlice(i.Technical["scope_hint"])
}

// Event is the universal append-only record. Every state change in the
// system is an event; all derived state is a projection over them.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	IntentID  string         `json:"intent_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// NewEvent constructs an event with a fresh id and timestamp.
func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        NewID(),
		Timestamp: NowISO(),
		EventType: eventType,
		Payload:   payload,
	}
}

// Simulation is the outcome of a dry-run merge of source into target.
type Simulation struct {
	Mergeable    bool     `json:"mergeable"`
	Conflicts    []string `json:"conflicts"`
	FilesChanged []string `json:"files_changed"`
	Timestamp    string   `json:"timestamp"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
}

// CheckResult is the outcome of a single required check run.
type CheckResult struct {
	CheckType  string `json:"check_type"`
	Passed     bool   `json:"passed"`
	Details    string `json:"details"`
	DurationMS int64  `json:"duration_ms"`
}

// GateResult records the outcome of a single policy gate.
type GateResult struct {
	Gate      GateName `json:"gate"`
	Passed    bool     `json:"passed"`
	Reason    string   `json:"reason"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// PolicyEvaluation aggregates all gate results into a verdict.
type PolicyEvaluation struct {
	Verdict     PolicyVerdict `json:"verdict"`
	Gates       []GateResult  `json:"gates"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	ProfileUsed string        `json:"profile_used"`
}

// RiskEval is the full risk assessment of an intent: composite scores,
// the four independent signals, and any detected complexity bombs.
type RiskEval struct {
	IntentID         string           `json:"intent_id"`
	RiskScore        float64          `json:"risk_score"`
	DamageScore      float64          `json:"damage_score"`
	EntropyScore     float64          `json:"entropy_score"`
	PropagationScore float64          `json:"propagation_score"`
	ContainmentScore float64          `json:"containment_score"`
	EntropicLoad     float64          `json:"-"`
	ContextualValue  float64          `json:"-"`
	ComplexityDelta  float64          `json:"-"`
	PathDependence   float64          `json:"-"`
	Findings         []map[string]any `json:"findings"`
	ImpactEdges      []map[string]any `json:"impact_edges"`
	GraphMetrics     map[string]any   `json:"graph_metrics"`
	Bombs            []Bomb           `json:"bombs"`
	Timestamp        string           `json:"timestamp"`
	TenantID         string           `json:"tenant_id,omitempty"`
}

// Signals returns the four independent risk signals keyed by name,
// the shape persisted in risk.evaluated payloads.
func (r RiskEval) Signals() map[string]any {
	return map[string]any{
		"entropic_load":    r.EntropicLoad,
		"contextual_value": r.ContextualValue,
		"complexity_delta": r.ComplexityDelta,
		"path_dependence":  r.PathDependence,
	}
}

// ToPayload flattens the evaluation into an event payload.
func (r RiskEval) ToPayload() map[string]any {
	findings := r.Findings
	if findings == nil {
		findings = []map[string]any{}
	}
	edges := r.ImpactEdges
	if edges == nil {
		edges = []map[string]any{}
	}
	bombs := make([]map[string]any, 0, len(r.Bombs))
	for _, b := range r.Bombs {
		bombs = append(bombs, b.ToMap())
	}
	return map[string]any{
		"intent_id":         r.IntentID,
		"risk_score":        r.RiskScore,
		"damage_score":      r.DamageScore,
		"entropy_score":     r.EntropyScore,
		"propagation_score": r.PropagationScore,
		"containment_score": r.ContainmentScore,
		"signals":           r.Signals(),
		"findings":          findings,
		"impact_edges":      edges,
		"graph_metrics":     r.GraphMetrics,
		"bombs":             bombs,
		"timestamp":         r.Timestamp,
		"tenant_id":         r.TenantID,
	}
}

// Bomb is a detected structural failure mode in the impact graph.
type Bomb struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
	Message  string  `json:"message"`
}

// ToMap renders the bomb as an event payload fragment.
func (b Bomb) ToMap() map[string]any {
	return map[string]any{
		"type":     b.Type,
		"severity": b.Severity,
		"score":    b.Score,
		"message":  b.Message,
	}
}

// AgentPolicy bounds what an autonomous agent may do.
type AgentPolicy struct {
	AgentID                     string                    `json:"agent_id"`
	TenantID                    string                    `json:"tenant_id,omitempty"`
	ATL                         int                       `json:"atl"`
	MaxRiskScore                float64                   `json:"max_risk_score"`
	MaxBlastSeverity            string                    `json:"max_blast_severity"`
	MinTestCoverage             float64                   `json:"min_test_coverage"`
	RequireCompliancePass       bool                      `json:"require_compliance_pass"`
	RequireHumanApproval        bool                      `json:"require_human_approval"`
	RequireDualApprovalCritical bool                      `json:"require_dual_approval_on_critical"`
	AllowActions                []string                  `json:"allow_actions"`
	ActionOverrides             map[string]map[string]any `json:"action_overrides,omitempty"`
	ExpiresAt                   string                    `json:"expires_at,omitempty"`
}

// DefaultAgentPolicy is the restrictive policy applied to unknown agents:
// no autonomy, read-only analysis, human approval always required.
func DefaultAgentPolicy(agentID string) AgentPolicy {
	return AgentPolicy{
		AgentID:                     agentID,
		ATL:                         0,
		MaxRiskScore:                30.0,
		MaxBlastSeverity:            "low",
		RequireCompliancePass:       true,
		RequireHumanApproval:        true,
		RequireDualApprovalCritical: true,
		AllowActions:                []string{"analyze"},
	}
}

// ReviewTask tracks a human review requirement with an SLA deadline.
type ReviewTask struct {
	ID          string         `json:"id"`
	IntentID    string         `json:"intent_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Status      string         `json:"status"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Assignee    string         `json:"assignee,omitempty"`
	Reason      string         `json:"reason"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	DueAt       string         `json:"due_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Decision    string         `json:"decision,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Review task statuses.
const (
	ReviewPending   = "pending"
	ReviewAssigned  = "assigned"
	ReviewInReview  = "in_review"
	ReviewEscalated = "escalated"
	ReviewCompleted = "completed"
	ReviewCancelled = "cancelled"
)

// HealthSnapshot is the repository-level health projection.
type HealthSnapshot struct {
	RepoHealthScore float64        `json:"repo_health_score"`
	EntropyScore    float64        `json:"entropy_score"`
	MergeableRate   float64        `json:"mergeable_rate"`
	ConflictRate    float64        `json:"conflict_rate"`
	ActiveIntents   int            `json:"active_intents"`
	MergedLast24h   int            `json:"merged_last_24h"`
	RejectedLast24h int            `json:"rejected_last_24h"`
	Status          string         `json:"status"`
	Timestamp       string         `json:"timestamp"`
	TenantID        string         `json:"tenant_id,omitempty"`
	Learning        map[string]any `json:"learning,omitempty"`
}

// ComplianceReport is the SLO/KPI projection over event history.
type ComplianceReport struct {
	MergeableRate float64          `json:"mergeable_rate"`
	ConflictRate  float64          `json:"conflict_rate"`
	RetriesTotal  int              `json:"retries_total"`
	QueueTracked  int              `json:"queue_tracked"`
	Checks        []map[string]any `json:"checks"`
	Passed        bool             `json:"passed"`
	Alerts        []map[string]any `json:"alerts"`
	Timestamp     string           `json:"timestamp"`
	TenantID      string           `json:"tenant_id,omitempty"`
}

// QueueState is the current queue projection derived from intents.
type QueueState struct {
	Pending  []map[string]any `json:"pending"`
	Total    int              `json:"total"`
	ByStatus map[string]int   `json:"by_status"`
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// StringSlice coerces a JSON-decoded value into a string slice.
// Payloads round-trip through encoding/json, so list values arrive
// as []any.
func StringSlice(v any) []string {
	return stringSlice(v)
}

// Float coerces a JSON-decoded numeric value into a float64.
func Float(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Bool coerces a JSON-decoded value into a bool.
func Bool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Str coerces a JSON-decoded value into a string.
func Str(v any) string {
	s, _ := v.(string)
	return s
}

// Map coerces a JSON-decoded value into a map.
func Map(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
