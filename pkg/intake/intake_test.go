package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/projections"
	"github.com/convergehq/converge/pkg/store"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	events := eventlog.New(s)
	return NewController(events, projections.NewService(events), cfg)
}

func TestEvaluateOpenOnHealthySystem(t *testing.T) {
	c := newTestController(t, DefaultConfig())

	d, err := c.Evaluate(context.Background(), model.NewIntent("int-1", "src", "main"))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, ModeOpen, d.Mode)
	assert.Equal(t, "open", d.Signals["auto_mode"])
}

func TestPauseOverrideAdmitsOnlyCritical(t *testing.T) {
	c := newTestController(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "pause", "", "ops", "incident"))

	normal := model.NewIntent("int-1", "src", "main")
	d, err := c.Evaluate(ctx, normal)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ModePause, d.Mode)

	critical := model.NewIntent("int-2", "src", "main")
	critical.RiskLevel = model.RiskCritical
	d, err = c.Evaluate(ctx, critical)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	// Both decisions leave events behind.
	rejected, err := c.events.Query(ctx, store.EventFilter{EventType: model.EventIntakeRejected})
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
	accepted, err := c.events.Query(ctx, store.EventFilter{EventType: model.EventIntakeAccepted})
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}

func TestThrottleIsDeterministic(t *testing.T) {
	c := newTestController(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "throttle", "", "ops", ""))

	first, err := c.Evaluate(ctx, model.NewIntent("int-stable", "src", "main"))
	require.NoError(t, err)
	second, err := c.Evaluate(ctx, model.NewIntent("int-stable", "src", "main"))
	require.NoError(t, err)

	assert.Equal(t, first.Accepted, second.Accepted)
	assert.Equal(t, ModeThrottle, first.Mode)
	assert.Contains(t, first.Signals, "bucket")
	assert.Contains(t, first.Signals, "throttle_ratio")
}

func TestThrottleRatioOneAdmitsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleRatio = 1.0
	c := newTestController(t, cfg)
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "throttle", "", "ops", ""))

	for i := 0; i < 5; i++ {
		d, err := c.Evaluate(ctx, model.NewIntent(fmt.Sprintf("int-%d", i), "src", "main"))
		require.NoError(t, err)
		assert.True(t, d.Accepted, "intent %d", i)
	}
}

func TestBurstLimitPerTenant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstLimit = 2
	c := newTestController(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		in := model.NewIntent(fmt.Sprintf("int-%d", i), "src", "main")
		in.TenantID = "acme"
		d, err := c.Evaluate(ctx, in)
		require.NoError(t, err)
		require.True(t, d.Accepted)
	}

	in := model.NewIntent("int-3", "src", "main")
	in.TenantID = "acme"
	d, err := c.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "burst limit")

	// Another tenant has its own bucket.
	other := model.NewIntent("int-4", "src", "main")
	other.TenantID = "globex"
	d, err = c.Evaluate(ctx, other)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestSetModeRejectsInvalid(t *testing.T) {
	c := newTestController(t, DefaultConfig())
	err := c.SetMode(context.Background(), "sideways", "", "ops", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid intake mode")
}

func TestSetModeAutoClearsOverride(t *testing.T) {
	c := newTestController(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, "pause", "", "ops", "incident"))
	status, err := c.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "pause", status["mode"])
	assert.Equal(t, true, status["manual_override"])

	require.NoError(t, c.SetMode(ctx, "auto", "", "ops", ""))
	status, err = c.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "open", status["mode"])
	assert.Equal(t, false, status["manual_override"])
}

func TestStatusReportsOverrideDetail(t *testing.T) {
	c := newTestController(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "throttle", "acme", "ops", "load shedding"))

	status, err := c.Status(ctx, "acme")
	require.NoError(t, err)
	override, ok := status["override"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "throttle", override["mode"])
	assert.Equal(t, "ops", override["set_by"])
	assert.Equal(t, "load shedding", override["reason"])
}
