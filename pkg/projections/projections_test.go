package projections

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(eventlog.New(s))
}

func appendSim(t *testing.T, svc *Service, intentID string, mergeable bool) {
	t.Helper()
	_, err := svc.events.Append(context.Background(), model.Event{
		EventType: model.EventSimulationCompleted,
		IntentID:  intentID,
		Payload:   map[string]any{"mergeable": mergeable},
	})
	require.NoError(t, err)
}

func TestQueueStateOrdersByPriority(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		status   model.Status
		priority int
	}{
		{"int-c", model.StatusReady, 5},
		{"int-a", model.StatusQueued, 1},
		{"int-b", model.StatusValidated, 1},
		{"int-d", model.StatusMerged, 1}, // terminal, not pending
	} {
		in := model.NewIntent(tc.id, "src", "main")
		in.Status = tc.status
		in.Priority = tc.priority
		require.NoError(t, svc.events.Store().PutIntent(ctx, in))
	}

	qs, err := svc.QueueState(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, qs.Total)
	require.Len(t, qs.Pending, 3)
	assert.Equal(t, "int-a", qs.Pending[0]["intent_id"])
	assert.Equal(t, "int-b", qs.Pending[1]["intent_id"])
	assert.Equal(t, "int-c", qs.Pending[2]["intent_id"])
	assert.Equal(t, 1, qs.ByStatus[string(model.StatusMerged)])
}

func TestAgentPerformanceTrustCapped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.events.Append(ctx, model.Event{
			EventType: model.EventIntentMerged,
			IntentID:  fmt.Sprintf("int-%d", i),
			AgentID:   "agent-1",
		})
		require.NoError(t, err)
	}
	_, err := svc.events.Append(ctx, model.Event{
		EventType: model.EventIntentRejected, IntentID: "int-x", AgentID: "agent-1",
	})
	require.NoError(t, err)

	perf, err := svc.AgentPerformance(ctx, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, 10, perf["merged"])
	assert.Equal(t, 1, perf["rejected"])
	assert.LessOrEqual(t, perf["trust_score"].(float64), 100.0)
	assert.Greater(t, perf["success_rate"].(float64), 0.9)
}

func TestRepoHealthCleanHistory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendSim(t, svc, fmt.Sprintf("int-%d", i), true)
	}

	h, err := svc.RepoHealth(ctx, "", 24)
	require.NoError(t, err)
	assert.Equal(t, "green", h.Status)
	assert.Equal(t, 1.0, h.MergeableRate)
	assert.Equal(t, 0.0, h.ConflictRate)

	// A snapshot event is recorded for later trend queries.
	snaps, err := svc.events.Query(ctx, store.EventFilter{EventType: model.EventHealthSnapshot})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestRepoHealthDegradesWithConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendSim(t, svc, fmt.Sprintf("int-%d", i), i%2 == 0) // half conflict
	}

	h, err := svc.RepoHealth(ctx, "", 24)
	require.NoError(t, err)
	assert.Equal(t, 0.5, h.ConflictRate)
	assert.Less(t, h.RepoHealthScore, 100.0)
}

func TestComplianceReportDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendSim(t, svc, fmt.Sprintf("int-%d", i), true)
	}

	report, err := svc.ComplianceReport(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Alerts)
	assert.Len(t, report.Checks, 4)
}

func TestComplianceReportTenantOverride(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// 9/10 mergeable clears the default 0.80 floor; the tenant override
	// raises it to 0.95 so the same history breaches.
	for i := 0; i < 9; i++ {
		_, err := svc.events.Append(ctx, model.Event{
			EventType: model.EventSimulationCompleted,
			IntentID:  fmt.Sprintf("int-%d", i),
			TenantID:  "acme",
			Payload:   map[string]any{"mergeable": true},
		})
		require.NoError(t, err)
	}
	_, err := svc.events.Append(ctx, model.Event{
		EventType: model.EventSimulationCompleted,
		IntentID:  "int-x",
		TenantID:  "acme",
		Payload:   map[string]any{"mergeable": false},
	})
	require.NoError(t, err)

	report, err := svc.ComplianceReport(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 0.9, report.MergeableRate)

	require.NoError(t, svc.events.Store().PutComplianceThresholds(ctx, "acme",
		map[string]float64{"min_mergeable_rate": 0.95, "max_conflict_rate": 0.05}))

	report, err = svc.ComplianceReport(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.Alerts)
}

func TestVerificationDebtEmptySystem(t *testing.T) {
	svc := newTestService(t)

	snap, err := svc.VerificationDebt(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.DebtScore)
	assert.Equal(t, "green", snap.Status)
}

func TestVerificationDebtStaleIntents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stale := model.NewIntent("int-old", "src", "main")
	stale.CreatedAt = time.Now().UTC().Add(-72 * time.Hour).Format(model.ISOFormat)
	stale.Retries = 2
	require.NoError(t, svc.events.Store().PutIntent(ctx, stale))

	snap, err := svc.VerificationDebt(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, debtWeightStaleness, snap.StalenessScore)
	assert.Equal(t, debtWeightRetry, snap.RetryPressureScore)
	assert.Greater(t, snap.DebtScore, 0.0)
	assert.Equal(t, 1, snap.Breakdown["stale_intents"])
}

func TestPredictHealthNeedsData(t *testing.T) {
	svc := newTestService(t)

	out, err := svc.PredictHealth(context.Background(), "", 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "unknown", out["projected_status"])
	assert.Equal(t, false, out["should_gate"])
}

func TestPredictHealthGatesOnDecline(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Healthy history falling toward red: older snapshots strong, recent
	// ones collapsing.
	for _, score := range []float64{90, 85, 80, 55, 45, 42} {
		_, err := svc.events.Append(ctx, model.Event{
			EventType: model.EventHealthSnapshot,
			Payload: map[string]any{
				"repo_health_score": score,
				"entropy_score":     5.0,
				"conflict_rate":     0.0,
			},
		})
		require.NoError(t, err)
	}

	out, err := svc.PredictHealth(ctx, "", 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "red", out["projected_status"])
	assert.Equal(t, true, out["should_gate"])
	assert.NotEmpty(t, out["signals"])
}

func TestPredictIssuesQuietSystem(t *testing.T) {
	svc := newTestService(t)

	signals, err := svc.PredictIssues(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestPredictIssuesQueueStalling(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < queueStallRequeues+1; i++ {
		_, err := svc.events.Append(ctx, model.Event{
			EventType: model.EventIntentRequeued,
			IntentID:  fmt.Sprintf("int-%d", i),
		})
		require.NoError(t, err)
	}

	signals, err := svc.PredictIssues(ctx, "")
	require.NoError(t, err)

	found := false
	for _, sig := range signals {
		if sig["signal"] == "queue_stalling" {
			found = true
		}
	}
	assert.True(t, found, "expected a queue_stalling signal, got %v", signals)
}

func TestIntegrationMetrics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	appendSim(t, svc, "int-1", true)
	appendSim(t, svc, "int-2", false)
	for _, et := range []string{model.EventIntentMerged, model.EventIntentBlocked} {
		_, err := svc.events.Append(ctx, model.Event{EventType: et, IntentID: "int-1"})
		require.NoError(t, err)
	}

	m, err := svc.IntegrationMetrics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, m["total_simulations"])
	assert.Equal(t, 0.5, m["mergeable_rate"])
	assert.Equal(t, 1, m["total_merged"])
	assert.Equal(t, 1, m["total_blocked"])
}

func TestRiskTrendSeries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.events.Append(ctx, model.Event{
			EventType: model.EventRiskEvaluated,
			IntentID:  fmt.Sprintf("int-%d", i),
			Payload: map[string]any{
				"risk_score": float64(10 * i), "entropy_score": 1.0, "damage_score": 2.0,
			},
		})
		require.NoError(t, err)
	}

	series, err := svc.RiskTrend(ctx, "", 30, 0)
	require.NoError(t, err)
	require.Len(t, series, 3)
	for _, point := range series {
		assert.Contains(t, point, "risk_score")
		assert.Contains(t, point, "timestamp")
	}
}
