package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/flags"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func openTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return eventlog.New(s)
}

type fakeAdapter struct {
	sent []string
	ok   bool
}

func (f *fakeAdapter) Send(ctx context.Context, channel, eventType string, payload map[string]any) bool {
	f.sent = append(f.sent, channel+"/"+eventType)
	return f.ok
}

func (f *fakeAdapter) Available() bool { return true }

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"event_type":"intent.merged"}`)
	assert.Equal(t, Sign("s3cret", body), Sign("s3cret", body))
	assert.NotEqual(t, Sign("s3cret", body), Sign("other", body))
	assert.Len(t, Sign("s3cret", body), 64)
}

func TestNotifyHonorsFeatureFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	registry := flags.NewRegistry()
	adapter := &fakeAdapter{ok: true}
	d := NewDispatcher(registry, nil, WithAdapter(adapter))
	ctx := context.Background()

	d.Notify(ctx, "intent.merged", map[string]any{"intent_id": "int-1"}, "")
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "default/intent.merged", adapter.sent[0])

	_, _, err := registry.Set(ctx, "notifications", nil, strPtr("shadow"))
	require.NoError(t, err)
	d.Notify(ctx, "intent.merged", nil, "ops")
	assert.Len(t, adapter.sent, 1)

	_, _, err = registry.Set(ctx, "notifications", boolPtr(false), strPtr(""))
	require.NoError(t, err)
	d.Notify(ctx, "intent.merged", nil, "ops")
	assert.Len(t, adapter.sent, 1)
}

func TestWebhookAdapterSignsDeliveries(t *testing.T) {
	t.Chdir(t.TempDir())
	events := openTestLog(t)

	var gotSig atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("CONVERGE_WEBHOOK_URL", server.URL)
	t.Setenv("CONVERGE_WEBHOOK_SECRET", "s3cret")

	adapter := NewWebhookAdapter(events)
	assert.True(t, adapter.Available())

	ctx := context.Background()
	ok := adapter.Send(ctx, "default", "intent.merged", map[string]any{"intent_id": "int-1"})
	require.True(t, ok)

	body := gotBody.Load().([]byte)
	assert.Equal(t, "sha256="+Sign("s3cret", body), gotSig.Load())

	var delivered map[string]any
	require.NoError(t, json.Unmarshal(body, &delivered))
	assert.Equal(t, "intent.merged", delivered["event_type"])
	assert.NotEmpty(t, delivered["timestamp"])

	sent, err := events.Query(ctx, store.EventFilter{EventType: model.EventNotificationSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "intent.merged", sent[0].Payload["event_type"])
}

func TestWebhookAdapterRetriesOnce(t *testing.T) {
	t.Chdir(t.TempDir())
	events := openTestLog(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("CONVERGE_WEBHOOK_URL", server.URL)
	adapter := NewWebhookAdapter(events)
	adapter.sleep = func(time.Duration) {}

	ok := adapter.Send(context.Background(), "default", "intent.merged", nil)
	assert.True(t, ok)
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebhookAdapterRecordsTerminalFailure(t *testing.T) {
	t.Chdir(t.TempDir())
	events := openTestLog(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	t.Setenv("CONVERGE_WEBHOOK_URL", server.URL)
	adapter := NewWebhookAdapter(events)
	adapter.sleep = func(time.Duration) {}

	ctx := context.Background()
	ok := adapter.Send(ctx, "default", "intent.rejected", nil)
	assert.False(t, ok)
	assert.Equal(t, int32(2), hits.Load())

	failed, err := events.Query(ctx, store.EventFilter{EventType: model.EventNotificationFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestWebhookAdapterUnconfigured(t *testing.T) {
	t.Chdir(t.TempDir())
	adapter := NewWebhookAdapter(openTestLog(t))
	assert.False(t, adapter.Available())
	assert.False(t, adapter.Send(context.Background(), "default", "intent.merged", nil))
}

func TestChannelRoutingFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	events := openTestLog(t)

	var opsHits atomic.Int32
	opsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opsHits.Add(1)
	}))
	defer opsServer.Close()
	defaultServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer defaultServer.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".converge"), 0o755))
	cfg, err := json.Marshal(map[string]any{"webhooks": map[string]string{
		"default": defaultServer.URL,
		"ops":     opsServer.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".converge", "notifications.json"), cfg, 0o644))

	adapter := NewWebhookAdapter(events)
	require.True(t, adapter.Available())

	ctx := context.Background()
	assert.True(t, adapter.Send(ctx, "ops", "review.escalated", nil))
	assert.Equal(t, int32(1), opsHits.Load())

	// Unknown channels fall back to the default URL.
	assert.True(t, adapter.Send(ctx, "nope", "review.escalated", nil))
	assert.Equal(t, int32(1), opsHits.Load())
}
