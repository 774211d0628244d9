package reviews

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

type reviewHarness struct {
	svc *Service
	log *eventlog.Log
	now time.Time
}

func newHarness(t *testing.T) *reviewHarness {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &reviewHarness{log: eventlog.New(s), now: time.Now().UTC()}
	h.svc = NewService(h.log, WithClock(func() time.Time { return h.now }))
	return h
}

func (h *reviewHarness) seedIntent(t *testing.T, id string, level model.RiskLevel) {
	t.Helper()
	in := model.NewIntent(id, "src", "main")
	in.RiskLevel = level
	require.NoError(t, h.log.Store().PutIntent(context.Background(), in))
}

func TestRequestSetsSLAFromRiskLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskCritical)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{Trigger: "security"})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, task.Status)
	assert.Equal(t, "security", task.Reason)

	due := h.now.Add(time.Duration(model.ReviewSLAHours[model.RiskCritical]) * time.Hour)
	assert.Equal(t, due.Format(model.ISOFormat), task.DueAt)

	events, err := h.log.Query(ctx, store.EventFilter{EventType: model.EventReviewRequested})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRequestWithAssigneeStartsAssigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskMedium)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{Assignee: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewAssigned, task.Status)
	assert.Equal(t, "alice", task.Assignee)
	assert.Equal(t, "policy", task.Reason)

	assigned, err := h.log.Query(ctx, store.EventFilter{EventType: model.EventReviewAssigned})
	require.NoError(t, err)
	assert.Len(t, assigned, 1)
}

func TestRequestUnknownIntent(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Request(context.Background(), "ghost", RequestOpts{})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIntentNotFound)
}

func TestAssignThenReassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskMedium)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{})
	require.NoError(t, err)

	task, err = h.svc.Assign(ctx, task.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", task.Assignee)

	task, err = h.svc.Assign(ctx, task.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", task.Assignee)

	reassigned, err := h.log.Query(ctx, store.EventFilter{EventType: model.EventReviewReassigned})
	require.NoError(t, err)
	assert.Len(t, reassigned, 1)
}

func TestCompleteRecordsDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskMedium)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{Assignee: "alice"})
	require.NoError(t, err)

	task, err = h.svc.Complete(ctx, task.ID, "rejected", "touches frozen module")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewCompleted, task.Status)
	assert.Equal(t, "rejected", task.Decision)
	assert.Equal(t, "alice", task.DecidedBy)
	assert.NotEmpty(t, task.CompletedAt)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskMedium)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{})
	require.NoError(t, err)

	task, err = h.svc.Cancel(ctx, task.ID, "intent withdrawn")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewCancelled, task.Status)
	assert.Equal(t, "intent withdrawn", task.Notes)
}

func TestCheckSLABreaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskCritical)
	h.seedIntent(t, "int-2", model.RiskLow)

	_, err := h.svc.Request(ctx, "int-1", RequestOpts{Assignee: "alice"})
	require.NoError(t, err)
	_, err = h.svc.Request(ctx, "int-2", RequestOpts{})
	require.NoError(t, err)

	// Nothing is overdue yet.
	breaches, err := h.svc.CheckSLABreaches(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, breaches)

	// Past the critical window but inside the low one.
	h.now = h.now.Add(10 * time.Hour)
	breaches, err = h.svc.CheckSLABreaches(ctx, "")
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, "int-1", breaches[0]["intent_id"])

	recorded, err := h.log.Query(ctx, store.EventFilter{EventType: model.EventReviewSLABreached})
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskHigh)

	task, err := h.svc.Request(ctx, "int-1", RequestOpts{Assignee: "alice"})
	require.NoError(t, err)

	task, err = h.svc.Escalate(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewEscalated, task.Status)

	events, err := h.log.Query(ctx, store.EventFilter{EventType: model.EventReviewEscalated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sla_breach", events[0].Payload["reason"])
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedIntent(t, "int-1", model.RiskMedium)
	h.seedIntent(t, "int-2", model.RiskMedium)

	_, err := h.svc.Request(ctx, "int-1", RequestOpts{Assignee: "alice"})
	require.NoError(t, err)
	task2, err := h.svc.Request(ctx, "int-2", RequestOpts{})
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, task2.ID, "approved", "")
	require.NoError(t, err)

	summary, err := h.svc.Summary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary["total"])
	byStatus := summary["by_status"].(map[string]int)
	assert.Equal(t, 1, byStatus[model.ReviewAssigned])
	assert.Equal(t, 1, byStatus[model.ReviewCompleted])
	byReviewer := summary["by_reviewer"].(map[string]int)
	assert.Equal(t, 1, byReviewer["alice"])
	assert.Equal(t, 0, summary["sla_breached"])
}
