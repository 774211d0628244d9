package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/audit"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(s, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
}

func TestAppendAssignsIdentity(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, model.Event{EventType: "intent.created"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.Timestamp)
	assert.NotNil(t, e.Payload)

	got, err := l.Store().GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "intent.created", got.EventType)
}

func TestInitializeChainAnchorsLog(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, model.Event{EventType: "tick", Payload: map[string]any{"i": i}})
		require.NoError(t, err)
	}

	cs, err := l.InitializeChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ChainMain, cs.ChainID)
	// Five ticks plus the anchor event itself.
	assert.Equal(t, 6, cs.EventCount)
	assert.NotEqual(t, audit.GenesisHash, cs.HeadHash)

	anchors, err := l.Query(ctx, store.EventFilter{EventType: model.EventChainInitialized, Limit: 1})
	require.NoError(t, err)
	require.Len(t, anchors, 1)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 6, res.EventsHashed)
	assert.Equal(t, cs.HeadHash, res.HeadHash)

	// The verification outcome itself is on the record.
	events, err := l.Query(ctx, store.EventFilter{EventType: model.EventChainVerified, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["valid"])
}

func TestInitializeChainOnEmptyLog(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	cs, err := l.InitializeChain(ctx)
	require.NoError(t, err)
	// The anchor event is the only link in the chain.
	assert.Equal(t, 1, cs.EventCount)
	assert.NotEqual(t, audit.GenesisHash, cs.HeadHash)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestChainCoversMixedTenants(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, model.Event{EventType: "a"})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.Event{EventType: "b", TenantID: "acme"})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.Event{EventType: "c", TenantID: "globex"})
	require.NoError(t, err)

	_, err = l.InitializeChain(ctx)
	require.NoError(t, err)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 4, res.EventsHashed)
}

func TestChainSurvivesConcurrentAppends(t *testing.T) {
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := New(s)
	ctx := context.Background()

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, aerr := l.Append(ctx, model.Event{
					EventType: "tick",
					TenantID:  "acme",
					Payload:   map[string]any{"writer": w, "i": i},
				})
				errs <- aerr
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for aerr := range errs {
		require.NoError(t, aerr)
	}

	cs, err := l.InitializeChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter+1, cs.EventCount)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyChainUninitialized(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, model.Event{EventType: "a"})
	require.NoError(t, err)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "chain not initialized", res.Reason)
	assert.Equal(t, 1, res.EventsHashed)

	tampered, err := l.Query(ctx, store.EventFilter{EventType: model.EventChainTamperDetected, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tampered, 1)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, model.Event{EventType: "payment", Payload: map[string]any{"amount": 10}})
	require.NoError(t, err)
	_, err = l.InitializeChain(ctx)
	require.NoError(t, err)

	// Rewrite history behind the log's back.
	_, err = l.Store().DB().Exec(
		`UPDATE events SET payload = '{"amount":9999}' WHERE id = ?`, e.ID)
	require.NoError(t, err)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "head mismatch")

	tampered, err := l.Query(ctx, store.EventFilter{EventType: model.EventChainTamperDetected, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tampered, 1)
}

func TestVerifyChainDetectsCountDrift(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.InitializeChain(ctx)
	require.NoError(t, err)
	_, err = l.Append(ctx, model.Event{EventType: "late"})
	require.NoError(t, err)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "count mismatch")

	// Re-anchoring absorbs the drift.
	_, err = l.InitializeChain(ctx)
	require.NoError(t, err)
	res, err = l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestAppendIntentEventKeepsProjection(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.TenantID = "acme"
	e, err := l.AppendIntentEvent(ctx, in, model.Event{EventType: model.EventIntentCreated})
	require.NoError(t, err)
	assert.Equal(t, "int-1", e.IntentID)
	assert.Equal(t, "acme", e.TenantID)

	got, err := l.Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}
