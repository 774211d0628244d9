package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/flags"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/scm"
	"github.com/convergehq/converge/pkg/store"
)

var testLockTTL = time.Duration(model.QueueLockTTLSeconds) * time.Second

// passingChecks is a CheckRunner that always succeeds.
func passingChecks(_ context.Context, checkType string) model.CheckResult {
	return model.CheckResult{CheckType: checkType, Passed: true, Details: "ok"}
}

func failingChecks(_ context.Context, checkType string) model.CheckResult {
	return model.CheckResult{CheckType: checkType, Passed: false, Details: "boom"}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// A temp dir is never a repository, so merges take the synthetic path.
	opts = append([]Option{
		WithCheckRunner(passingChecks),
		WithGit(scm.Runner{Dir: t.TempDir()}),
	}, opts...)
	return New(eventlog.New(s), policy.DefaultConfig(), opts...)
}

func seedIntent(t *testing.T, e *Engine, in model.Intent) model.Intent {
	t.Helper()
	require.NoError(t, e.Events().Store().PutIntent(context.Background(), in))
	return in
}

// seedSimulation records a completed simulation so UseLastSimulation has
// something to rehydrate.
func seedSimulation(t *testing.T, e *Engine, intentID string, sim model.Simulation) {
	t.Helper()
	_, err := e.Events().Append(context.Background(), model.Event{
		EventType: model.EventSimulationCompleted,
		IntentID:  intentID,
		Payload: map[string]any{
			"mergeable":     sim.Mergeable,
			"conflicts":     sim.Conflicts,
			"files_changed": sim.FilesChanged,
			"source":        sim.Source,
			"target":        sim.Target,
		},
	})
	require.NoError(t, err)
}

func TestCreateIntentDefaults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.CreateIntent(ctx, model.Intent{Source: "feature/x"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.IntentID)

	got, err := e.Events().Store().GetIntent(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTargetBranch, got.Target)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, model.RiskMedium, got.RiskLevel)
	assert.Equal(t, model.DefaultPriority, got.Priority)
}

func TestCreateIntentRequiresSource(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateIntent(context.Background(), model.Intent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source ref is required")
}

func TestCreateIntentAdmissionReject(t *testing.T) {
	e := newTestEngine(t, WithAdmission(
		func(ctx context.Context, in model.Intent) (bool, string, string, error) {
			return false, "pause", "intake paused", nil
		}))
	ctx := context.Background()

	res, err := e.CreateIntent(ctx, model.Intent{ID: "int-1", Source: "feature/x"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "intake", res.RejectedBy)
	assert.Equal(t, "pause", res.Mode)

	// A rejected intent is never stored.
	_, err = e.Events().Store().GetIntent(ctx, "int-1")
	assert.ErrorIs(t, err, store.ErrIntentNotFound)
}

func TestValidateIntentHappyPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))
	sim := model.Simulation{Mergeable: true, FilesChanged: []string{"a.go"}, Source: in.Source, Target: in.Target}

	d, err := e.ValidateIntent(ctx, in, ValidateOpts{Sim: &sim})
	require.NoError(t, err)
	assert.Equal(t, "validated", d.Decision)
	assert.NotEmpty(t, d.TraceID)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, got.Status)

	// Every step leaves its event.
	for _, et := range []string{model.EventCheckCompleted, model.EventRiskEvaluated,
		model.EventPolicyEvaluated, model.EventIntentValidated} {
		events, qerr := e.Events().Query(ctx, store.EventFilter{EventType: et, IntentID: "int-1"})
		require.NoError(t, qerr)
		assert.NotEmpty(t, events, "missing %s", et)
	}
}

func TestValidateIntentConflictBlocks(t *testing.T) {
	e := newTestEngine(t)
	in := seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))
	sim := model.Simulation{Mergeable: false, Conflicts: []string{"a.go"}}

	d, err := e.ValidateIntent(context.Background(), in, ValidateOpts{Sim: &sim})
	require.NoError(t, err)
	assert.Equal(t, "blocked", d.Decision)
	assert.Contains(t, d.Reason, "Merge conflicts")
}

func TestValidateIntentFailedChecksBlock(t *testing.T) {
	e := newTestEngine(t, WithCheckRunner(failingChecks))
	in := seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))
	sim := model.Simulation{Mergeable: true}

	d, err := e.ValidateIntent(context.Background(), in, ValidateOpts{Sim: &sim})
	require.NoError(t, err)
	assert.Equal(t, "blocked", d.Decision)
	assert.Contains(t, d.Reason, "Checks failed")
}

func TestValidateIntentNoPreviousSimulation(t *testing.T) {
	e := newTestEngine(t)
	in := seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))

	d, err := e.ValidateIntent(context.Background(), in, ValidateOpts{UseLastSimulation: true})
	require.NoError(t, err)
	assert.Equal(t, "blocked", d.Decision)
	assert.Equal(t, "No previous simulation found", d.Reason)
}

func TestProcessQueueLockHeld(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Events().Store().AcquireQueueLock(ctx, "someone-else", testLockTTL))

	decisions, err := e.ProcessQueue(ctx, QueueOpts{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Err, "Queue lock held")
	// The decision names the actual holder, not the caller.
	require.NotNil(t, decisions[0].Lock)
	assert.Equal(t, "someone-else", decisions[0].Lock["holder"])
	assert.NotEmpty(t, decisions[0].Lock["acquired_at"])
	assert.NotEmpty(t, decisions[0].Lock["expires_at"])
}

func TestReclassifyRiskUpdatesLevel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))
	require.Equal(t, model.RiskMedium, in.RiskLevel)

	eval := model.RiskEval{IntentID: "int-1", RiskScore: 82}
	require.NoError(t, e.reclassifyRisk(ctx, in, eval, "trace-1"))

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.RiskCritical, got.RiskLevel)

	events, err := e.Events().Query(ctx, store.EventFilter{EventType: model.EventRiskReclassified})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "medium", events[0].Payload["from"])
	assert.Equal(t, "critical", events[0].Payload["to"])

	// A score mapping to the current level is a no-op.
	got.RiskLevel = model.RiskCritical
	require.NoError(t, e.reclassifyRisk(ctx, got, eval, "trace-2"))
	events, err = e.Events().Query(ctx, store.EventFilter{EventType: model.EventRiskReclassified})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestValidateIntentAutoReclassifies(t *testing.T) {
	e := newTestEngine(t, WithFlags(flags.NewRegistry()))
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.RiskLevel = model.RiskCritical
	seedIntent(t, e, in)
	sim := model.Simulation{Mergeable: true, FilesChanged: []string{"a.go"}, Source: in.Source, Target: in.Target}

	_, err := e.ValidateIntent(ctx, in, ValidateOpts{Sim: &sim})
	require.NoError(t, err)

	// A one-file change cannot score critical, so the stored level must
	// have moved down to whatever the composite score maps to.
	expected := model.ClassifyRisk(risk.Evaluate(in, sim, nil).RiskScore)
	require.NotEqual(t, model.RiskCritical, expected)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, expected, got.RiskLevel)

	events, err := e.Events().Query(ctx, store.EventFilter{EventType: model.EventRiskReclassified, IntentID: "int-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "critical", events[0].Payload["from"])
}

func TestProcessQueueAdvancesValidated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	seedIntent(t, e, in)
	seedSimulation(t, e, "int-1", model.Simulation{Mergeable: true, FilesChanged: []string{"a.go"}})

	decisions, err := e.ProcessQueue(ctx, QueueOpts{UseLastSimulation: true, SkipChecks: true})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "validated", decisions[0].Decision)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)

	// The pass records its summary event and releases the lock.
	events, err := e.Events().Query(ctx, store.EventFilter{EventType: model.EventQueueProcessed})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.NoError(t, e.Events().Store().AcquireQueueLock(ctx, "next", testLockTTL))
}

func TestProcessQueueAutoConfirmMerges(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	seedIntent(t, e, in)
	seedSimulation(t, e, "int-1", model.Simulation{Mergeable: true})

	decisions, err := e.ProcessQueue(ctx, QueueOpts{
		UseLastSimulation: true, SkipChecks: true, AutoConfirm: true,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "merged", decisions[0].Decision)
	// No repository in the test environment: the sha is synthetic.
	assert.True(t, strings.HasPrefix(decisions[0].MergedCommit, "simulated-"),
		"got %q", decisions[0].MergedCommit)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, got.Status)
}

func TestProcessQueueRejectsAtMaxRetries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	in.Retries = model.MaxRetries
	seedIntent(t, e, in)

	decisions, err := e.ProcessQueue(ctx, QueueOpts{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "rejected", decisions[0].Decision)
	assert.Equal(t, "max_retries_exceeded", decisions[0].Reason)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
}

func TestProcessQueueDependencyBlocked(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dep := model.NewIntent("dep-1", "feature/base", "main") // READY, not merged
	seedIntent(t, e, dep)

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	in.Dependencies = []string{"dep-1", "ghost"}
	seedIntent(t, e, in)

	decisions, err := e.ProcessQueue(ctx, QueueOpts{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "dependency_blocked", decisions[0].Decision)
	assert.ElementsMatch(t, []string{"dep-1", "ghost"}, decisions[0].Unmet)

	// Status stays VALIDATED for the next cycle.
	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, got.Status)
}

func TestProcessQueueBlockedIncrementsRetries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	seedIntent(t, e, in)
	seedSimulation(t, e, "int-1", model.Simulation{Mergeable: false, Conflicts: []string{"a.go"}})

	decisions, err := e.ProcessQueue(ctx, QueueOpts{UseLastSimulation: true, SkipChecks: true})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "blocked", decisions[0].Decision)
	assert.Equal(t, 1, decisions[0].Retries)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 1, got.Retries)
}

func TestConfirmMergeDefaultSha(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("intent-abcdef", "feature/x", "main")
	in.Status = model.StatusQueued
	seedIntent(t, e, in)

	d, err := e.ConfirmMerge(ctx, "intent-abcdef", "")
	require.NoError(t, err)
	assert.Equal(t, "merged", d.Decision)
	assert.Equal(t, "confirmed-intent-a", d.MergedCommit)
}

func TestConfirmMergeWrongStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusMerged
	seedIntent(t, e, in)

	d, err := e.ConfirmMerge(ctx, "int-1", "")
	require.NoError(t, err)
	assert.Contains(t, d.Err, "expected QUEUED or VALIDATED")
}

func TestResetQueueClearsRetries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusRejected
	in.Retries = 3
	seedIntent(t, e, in)

	d, err := e.ResetQueue(ctx, "int-1", model.StatusReady, true)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusReady), d.Decision)

	got, err := e.Events().Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 0, got.Retries)
}

func TestInspectQueueActionable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for id, status := range map[string]model.Status{
		"a": model.StatusReady, "b": model.StatusValidated,
		"c": model.StatusMerged, "d": model.StatusQueued,
	} {
		in := model.NewIntent(id, "src/"+id, "main")
		in.Status = status
		seedIntent(t, e, in)
	}

	entries, err := e.InspectQueue(ctx, InspectFilter{OnlyActionable: true})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, entry := range entries {
		assert.NotEqual(t, string(model.StatusMerged), entry["status"])
	}
}

func TestSetIntentStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedIntent(t, e, model.NewIntent("int-1", "feature/x", "main"))
	d, err := e.SetIntentStatus(ctx, "int-1", model.StatusValidated)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusValidated), d.Decision)

	d, err = e.SetIntentStatus(ctx, "ghost", model.StatusValidated)
	require.NoError(t, err)
	assert.Contains(t, d.Err, "not found")
}
