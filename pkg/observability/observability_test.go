package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every instrument path must be callable without initialization.
	p.RecordDecision(ctx, 120*time.Millisecond, AttrDecision.String("merged"))
	p.RecordError(ctx, errors.New("boom"))
	p.AdjustQueueDepth(ctx, 1)
	p.AdjustQueueDepth(ctx, -1)

	spanCtx, span := p.StartSpan(ctx, "queue.process")
	assert.NotNil(t, spanCtx)
	span.End()

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(ctx))
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "converge", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestIntentAttrsOmitsEmptyFields(t *testing.T) {
	attrs := IntentAttrs("int-1", "", "")
	require.Len(t, attrs, 1)
	assert.Equal(t, AttrIntentID.String("int-1"), attrs[0])

	attrs = IntentAttrs("int-1", "acme", "high")
	require.Len(t, attrs, 3)
	assert.Contains(t, attrs, AttrTenantID.String("acme"))
	assert.Contains(t, attrs, AttrRiskLevel.String("high"))
}

func TestDecisionAttrs(t *testing.T) {
	attrs := DecisionAttrs("int-1", "requeued", 2)
	assert.Equal(t, []attribute.KeyValue{
		AttrIntentID.String("int-1"),
		AttrDecision.String("requeued"),
		AttrRetries.Int(2),
	}, attrs)
}
