package agents

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(eventlog.New(s), opts...)
}

func permissivePolicy(agentID string) model.AgentPolicy {
	return model.AgentPolicy{
		AgentID:          agentID,
		ATL:              2,
		MaxRiskScore:     80,
		MaxBlastSeverity: "high",
		AllowActions:     []string{"analyze", "merge"},
	}
}

func recordRisk(t *testing.T, svc *Service, intentID string, riskScore, damage float64) {
	t.Helper()
	_, err := svc.events.Append(context.Background(), model.Event{
		EventType: model.EventRiskEvaluated,
		IntentID:  intentID,
		Payload:   map[string]any{"risk_score": riskScore, "damage_score": damage},
	})
	require.NoError(t, err)
}

func TestGetPolicyUnknownAgentIsEmpty(t *testing.T) {
	svc := newTestService(t)
	pol, err := svc.GetPolicy(context.Background(), "bot-1", "")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", pol.AgentID)
	assert.Empty(t, pol.AllowActions)
}

func TestSetPolicyRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPolicy(ctx, permissivePolicy("bot-1")))
	pol, err := svc.GetPolicy(ctx, "bot-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, pol.ATL)
	assert.Equal(t, []string{"analyze", "merge"}, pol.AllowActions)

	events, err := svc.events.Query(ctx, store.EventFilter{EventType: model.EventAgentPolicyUpdated})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAuthorizeActionNotAllowed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetPolicy(ctx, model.AgentPolicy{
		AgentID: "bot-1", AllowActions: []string{"analyze"}, MaxRiskScore: 100, MaxBlastSeverity: "critical",
	}))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	require.NotEmpty(t, auth.Reasons)
	assert.Contains(t, auth.Reasons[0], "not in allowed actions")

	// Denials are recorded too.
	events, err := svc.events.Query(ctx, store.EventFilter{EventType: model.EventAgentAuthorized})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAuthorizeRiskCeiling(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.events.Store().PutIntent(ctx, model.NewIntent("int-1", "src", "main")))
	recordRisk(t, svc, "int-1", 90, 10)

	pol := permissivePolicy("bot-1")
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reasons[0], "Risk score 90")
}

func TestAuthorizeBlastSeverity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.events.Store().PutIntent(ctx, model.NewIntent("int-1", "src", "main")))
	recordRisk(t, svc, "int-1", 10, 80) // damage 80 => critical blast

	pol := permissivePolicy("bot-1")
	pol.MaxBlastSeverity = "medium"
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reasons[0], "Blast severity 'critical'")
}

func TestAuthorizeActionOverrideRaisesLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.events.Store().PutIntent(ctx, model.NewIntent("int-1", "src", "main")))
	recordRisk(t, svc, "int-1", 90, 10)

	pol := permissivePolicy("bot-1")
	pol.ActionOverrides = map[string]map[string]any{
		"merge": {"max_risk_score": 95.0},
	}
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.True(t, auth.Allowed, "reasons: %v", auth.Reasons)
	assert.Equal(t, 95.0, auth.EffectiveLimits["max_risk_score"])
}

func TestAuthorizeExpiredPolicy(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	pol := permissivePolicy("bot-1")
	pol.ExpiresAt = now.Add(-time.Hour).Format(model.ISOFormat)
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reasons[0], "Policy expired")
}

func TestAuthorizeHumanApprovalRequired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pol := permissivePolicy("bot-1")
	pol.RequireHumanApproval = true
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)

	auth, err = svc.Authorize(ctx, AuthorizeRequest{
		AgentID: "bot-1", Action: "merge", IntentID: "int-1", HumanApprovals: 1,
	})
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
}

func TestAuthorizeDualApprovalOnCritical(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "src", "main")
	in.RiskLevel = model.RiskCritical
	require.NoError(t, svc.events.Store().PutIntent(ctx, in))

	pol := permissivePolicy("bot-1")
	pol.RequireDualApprovalCritical = true
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{
		AgentID: "bot-1", Action: "merge", IntentID: "int-1", HumanApprovals: 1,
	})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reasons[0], "requires 2 approvals")

	auth, err = svc.Authorize(ctx, AuthorizeRequest{
		AgentID: "bot-1", Action: "merge", IntentID: "int-1", HumanApprovals: 2,
	})
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
}

func TestAuthorizeComplianceGate(t *testing.T) {
	svc := newTestService(t, WithCompliance(
		func(ctx context.Context, tenantID string) (bool, error) { return false, nil }))
	ctx := context.Background()

	require.NoError(t, svc.events.Store().PutIntent(ctx, model.NewIntent("int-1", "src", "main")))

	pol := permissivePolicy("bot-1")
	pol.RequireCompliancePass = true
	require.NoError(t, svc.SetPolicy(ctx, pol))

	auth, err := svc.Authorize(ctx, AuthorizeRequest{AgentID: "bot-1", Action: "merge", IntentID: "int-1"})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Contains(t, auth.Reasons[0], "Compliance")
}

func TestApprovalTokensCountDistinctApprovers(t *testing.T) {
	verifier := NewApprovalVerifier([]byte("test-secret"), time.Hour)
	svc := newTestService(t, WithApprovalVerifier(verifier))
	ctx := context.Background()

	in := model.NewIntent("int-1", "src", "main")
	in.RiskLevel = model.RiskCritical
	require.NoError(t, svc.events.Store().PutIntent(ctx, in))

	pol := permissivePolicy("bot-1")
	pol.RequireDualApprovalCritical = true
	require.NoError(t, svc.SetPolicy(ctx, pol))

	tokAlice, err := verifier.Issue("int-1", "alice")
	require.NoError(t, err)
	tokAlice2, err := verifier.Issue("int-1", "alice")
	require.NoError(t, err)
	tokBob, err := verifier.Issue("int-1", "bob")
	require.NoError(t, err)

	// Two tokens from the same approver count once.
	auth, err := svc.Authorize(ctx, AuthorizeRequest{
		AgentID: "bot-1", Action: "merge", IntentID: "int-1",
		ApprovalTokens: []string{tokAlice, tokAlice2},
	})
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Equal(t, 1, auth.HumanApprovals)

	auth, err = svc.Authorize(ctx, AuthorizeRequest{
		AgentID: "bot-1", Action: "merge", IntentID: "int-1",
		ApprovalTokens: []string{tokAlice, tokBob},
	})
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
	assert.Equal(t, 2, auth.HumanApprovals)
}

func TestApprovalTokenBoundToIntent(t *testing.T) {
	verifier := NewApprovalVerifier([]byte("test-secret"), time.Hour)
	tok, err := verifier.Issue("int-1", "alice")
	require.NoError(t, err)

	approver, err := verifier.Verify(tok, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", approver)

	_, err = verifier.Verify(tok, "int-2")
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestApprovalTokenExpires(t *testing.T) {
	issuedAt := time.Now().UTC()
	verifier := NewApprovalVerifier([]byte("test-secret"), time.Minute)
	verifier.now = func() time.Time { return issuedAt }

	tok, err := verifier.Issue("int-1", "alice")
	require.NoError(t, err)

	verifier.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = verifier.Verify(tok, "int-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestApprovalTokenWrongSecret(t *testing.T) {
	tok, err := NewApprovalVerifier([]byte("secret-a"), time.Hour).Issue("int-1", "alice")
	require.NoError(t, err)

	_, err = NewApprovalVerifier([]byte("secret-b"), time.Hour).Verify(tok, "int-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCheckSoDBlocksOwnerApproval(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cfg := OwnershipConfig{Rules: []OwnershipRule{
		{Pattern: "pkg/auth/**", Owners: []string{"bot-1"}},
		{Pattern: "*.md", Owners: []string{"docs-team"}},
	}}

	res, err := svc.CheckSoD(ctx, "bot-1", []string{"pkg/auth/login.go"}, "approve", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"pkg/auth/login.go"}, res.OwnedFiles)

	violations, err := svc.events.Query(ctx, store.EventFilter{EventType: model.EventSoDViolation})
	require.NoError(t, err)
	assert.Len(t, violations, 1)

	// Analysis of owned code is fine; approval of unowned code is fine.
	res, err = svc.CheckSoD(ctx, "bot-1", []string{"pkg/auth/login.go"}, "analyze", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = svc.CheckSoD(ctx, "bot-1", []string{"README.md"}, "approve", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckSoDNoRules(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.CheckSoD(context.Background(), "bot-1", []string{"a.go"}, "approve", OwnershipConfig{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestOwnershipSummary(t *testing.T) {
	cfg := OwnershipConfig{Rules: []OwnershipRule{
		{Pattern: "pkg/core/**", Owners: []string{"core-team"}},
	}}
	summary := OwnershipSummary([]string{"pkg/core/a.go", "docs/guide.md"}, cfg)

	owned := summary["owned"].(map[string][]string)
	assert.Equal(t, []string{"core-team"}, owned["pkg/core/a.go"])
	assert.Equal(t, []string{"docs/guide.md"}, summary["unowned"])
	assert.Equal(t, 0.5, summary["coverage"])
}
