package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/store"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, *eventlog.Log) {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := eventlog.New(s)
	eng := engine.New(events, policy.DefaultConfig())
	return New(eng, events, cfg), events
}

func seedValidated(t *testing.T, events *eventlog.Log, id string) {
	t.Helper()
	ctx := context.Background()
	in := model.NewIntent(id, "feature/"+id, "main")
	in.Status = model.StatusValidated
	require.NoError(t, events.Store().PutIntent(ctx, in))
	_, err := events.Append(ctx, model.Event{
		EventType: model.EventSimulationCompleted,
		IntentID:  id,
		Payload:   map[string]any{"mergeable": true, "files_changed": []string{"a.go"}},
	})
	require.NoError(t, err)
}

func TestRunSingleCycleLifecycle(t *testing.T) {
	w, events := newTestWorker(t, Config{PollInterval: time.Millisecond, BatchSize: 5})
	// One cycle, then shut down.
	w.sleep = func(ctx context.Context, d time.Duration) bool { return false }

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 1, w.Cycles())

	ctx := context.Background()
	started, err := events.Query(ctx, store.EventFilter{EventType: model.EventWorkerStarted})
	require.NoError(t, err)
	assert.Len(t, started, 1)
	stopped, err := events.Query(ctx, store.EventFilter{EventType: model.EventWorkerStopped})
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, float64(1), model.Float(stopped[0].Payload["cycles"]))
}

func TestPollOnceAdvancesValidatedIntent(t *testing.T) {
	w, events := newTestWorker(t, Config{PollInterval: time.Millisecond, BatchSize: 5, MaxRetries: 3})
	seedValidated(t, events, "int-1")

	w.pollOnce(context.Background())
	assert.Equal(t, 1, w.TotalProcessed())

	got, err := events.Store().GetIntent(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestPollOnceSurvivesHeldLock(t *testing.T) {
	w, events := newTestWorker(t, Config{PollInterval: time.Millisecond, BatchSize: 5})
	seedValidated(t, events, "int-1")

	ctx := context.Background()
	require.NoError(t, events.Store().AcquireQueueLock(ctx, "other-proc", time.Minute))

	w.pollOnce(ctx)
	assert.Equal(t, 0, w.TotalProcessed())

	// The intent is untouched and waits for the next cycle.
	got, err := events.Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, got.Status)
}

func TestCountProcessedIgnoresLockSentinel(t *testing.T) {
	assert.Equal(t, 0, countProcessed([]engine.Decision{
		{Err: "Queue lock held. Another process may be running."},
	}))
	assert.Equal(t, 2, countProcessed([]engine.Decision{
		{IntentID: "int-1", Decision: "validated"},
		{IntentID: "int-2", Decision: "rejected"},
	}))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CONVERGE_WORKER_POLL_INTERVAL", "9")
	t.Setenv("CONVERGE_WORKER_BATCH_SIZE", "7")
	t.Setenv("CONVERGE_WORKER_AUTO_CONFIRM", "1")
	t.Setenv("CONVERGE_WORKER_TARGET", "release")

	cfg := ConfigFromEnv()
	assert.Equal(t, 9*time.Second, cfg.PollInterval)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.True(t, cfg.AutoConfirm)
	assert.Equal(t, "release", cfg.Target)
	assert.Equal(t, model.MaxRetries, cfg.MaxRetries)
}
