package flags

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func TestDefaults(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.IsEnabled("audit_chain"))
	assert.False(t, r.IsEnabled("code_ownership"))
	assert.Equal(t, "shadow", r.Mode("semantic_conflicts"))
	assert.Equal(t, "", r.Mode("audit_chain"))

	state, ok := r.Get("intake_control")
	require.True(t, ok)
	assert.Equal(t, "default", state.Source)
}

func TestUnknownFlagDefaultsEnabled(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.IsEnabled("does_not_exist"))
	_, ok := r.Get("does_not_exist")
	assert.False(t, ok)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONVERGE_FF_CODE_OWNERSHIP", "true")
	t.Setenv("CONVERGE_FF_SEMANTIC_CONFLICTS_MODE", "enforce")

	r := NewRegistry()
	assert.True(t, r.IsEnabled("code_ownership"))
	assert.Equal(t, "enforce", r.Mode("semantic_conflicts"))

	state, ok := r.Get("code_ownership")
	require.True(t, ok)
	assert.Equal(t, "env", state.Source)
}

func TestConfigFileOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("flags.json", []byte(
		`{"notifications": false, "pre_eval_harness": {"enabled": true, "mode": "enforce"}}`), 0o644))

	r := NewRegistry()
	assert.False(t, r.IsEnabled("notifications"))
	assert.True(t, r.IsEnabled("pre_eval_harness"))
	assert.Equal(t, "enforce", r.Mode("pre_eval_harness"))
}

func TestEnvBeatsConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("flags.json", []byte(`{"notifications": false}`), 0o644))
	t.Setenv("CONVERGE_FF_NOTIFICATIONS", "on")

	r := NewRegistry()
	assert.True(t, r.IsEnabled("notifications"))
}

func TestSetRecordsEvent(t *testing.T) {
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	events := eventlog.New(s)

	r := NewRegistry(WithEventLog(events))
	ctx := context.Background()

	enabled := false
	mode := "enforce"
	state, ok, err := r.Set(ctx, "semantic_conflicts", &enabled, &mode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, state.Enabled)
	assert.Equal(t, "enforce", state.Mode)
	assert.Equal(t, "api", state.Source)

	recorded, err := events.Query(ctx, store.EventFilter{EventType: model.EventFeatureFlagChanged})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "semantic_conflicts", recorded[0].Payload["flag"])
}

func TestSetUnknownFlag(t *testing.T) {
	r := NewRegistry()
	enabled := true
	_, ok, err := r.Set(context.Background(), "nope", &enabled, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	require.Len(t, list, len(flagDefaults))
	assert.True(t, sort.SliceIsSorted(list, func(a, b int) bool {
		return list[a].Name < list[b].Name
	}))
}

func TestReloadDropsRuntimeChanges(t *testing.T) {
	r := NewRegistry()
	enabled := false
	_, ok, err := r.Set(context.Background(), "audit_chain", &enabled, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, r.IsEnabled("audit_chain"))

	r.Reload()
	assert.True(t, r.IsEnabled("audit_chain"))
}
