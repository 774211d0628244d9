package audit

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/model"
)

func TestCanonicalPayloadKeyOrder(t *testing.T) {
	a, err := CanonicalPayload(map[string]any{"b": 1, "a": "x", "c": []any{3, 2}})
	require.NoError(t, err)
	b, err := CanonicalPayload(map[string]any{"c": []any{3, 2}, "a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"x","b":1,"c":[3,2]}`, a)
}

func TestCanonicalPayloadNil(t *testing.T) {
	c, err := CanonicalPayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", c)
}

func TestHashEventCommitsToPrev(t *testing.T) {
	e := model.Event{ID: "ev-1", Timestamp: "2026-01-01T00:00:00Z", EventType: "intent.created"}

	h1, err := HashEvent(GenesisHash, e)
	require.NoError(t, err)
	h2, err := HashEvent(h1, e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func chainOf(t *testing.T, events []model.Event) string {
	t.Helper()
	prev := GenesisHash
	for _, e := range events {
		h, err := HashEvent(prev, e)
		require.NoError(t, err)
		prev = h
	}
	return prev
}

func TestChainHeadFoldsInOrder(t *testing.T) {
	head, err := ChainHead(nil)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, head)

	events := []model.Event{
		{ID: "1", Timestamp: "2026-01-01T00:00:01Z", EventType: "a"},
		{ID: "2", Timestamp: "2026-01-01T00:00:02Z", EventType: "b"},
	}
	head, err = ChainHead(events)
	require.NoError(t, err)
	assert.Equal(t, chainOf(t, events), head)

	// Order matters.
	reversed, err := ChainHead([]model.Event{events[1], events[0]})
	require.NoError(t, err)
	assert.NotEqual(t, head, reversed)
}

func TestVerifyChainValid(t *testing.T) {
	events := []model.Event{
		{ID: "1", Timestamp: "2026-01-01T00:00:01Z", EventType: "a", Payload: map[string]any{"k": 1}},
		{ID: "2", Timestamp: "2026-01-01T00:00:02Z", EventType: "b"},
	}
	head := chainOf(t, events)

	res := VerifyChain(events, head, 2)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.EventsHashed)
	assert.Equal(t, head, res.HeadHash)
}

func TestVerifyChainCountMismatch(t *testing.T) {
	events := []model.Event{{ID: "1", Timestamp: "t", EventType: "a"}}
	head := chainOf(t, events)

	res := VerifyChain(events, head, 5)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "count mismatch")
}

func TestVerifyChainHeadMismatch(t *testing.T) {
	events := []model.Event{{ID: "1", Timestamp: "t", EventType: "a"}}

	res := VerifyChain(events, "beef", 1)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "head mismatch")
}

func TestVerifyChainDetectsRewrite(t *testing.T) {
	events := []model.Event{
		{ID: "1", Timestamp: "2026-01-01T00:00:01Z", EventType: "a", Payload: map[string]any{"amount": 10}},
		{ID: "2", Timestamp: "2026-01-01T00:00:02Z", EventType: "b"},
	}
	head := chainOf(t, events)

	// History rewrite: same ids, different payload.
	events[0].Payload = map[string]any{"amount": 9999}
	res := VerifyChain(events, head, 2)
	assert.False(t, res.Valid)
}

// Any single payload mutation must change the recomputed head.
func TestHashEventPayloadSensitivity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("distinct payload values yield distinct hashes", prop.ForAll(
		func(a, b int) bool {
			if a == b {
				return true
			}
			e1 := model.Event{ID: "e", Timestamp: "t", EventType: "x", Payload: map[string]any{"v": a}}
			e2 := model.Event{ID: "e", Timestamp: "t", EventType: "x", Payload: map[string]any{"v": b}}
			h1, err1 := HashEvent(GenesisHash, e1)
			h2, err2 := HashEvent(GenesisHash, e2)
			return err1 == nil && err2 == nil && h1 != h2
		},
		gen.Int(), gen.Int(),
	))

	properties.TestingRun(t)
}
