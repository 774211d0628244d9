package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/store"
)

type published struct {
	repo, headSHA, intentID, decision, reason string
}

func newTestProcessor(t *testing.T) (*Processor, *eventlog.Log, *[]published) {
	t.Helper()
	s, err := store.Open(store.SQLiteDialect{}, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := eventlog.New(s)
	eng := engine.New(events, policy.DefaultConfig())

	var calls []published
	proc := NewProcessor(events, eng, WithPublisher(
		func(ctx context.Context, repo, headSHA, intentID, decision, reason string) error {
			calls = append(calls, published{repo, headSHA, intentID, decision, reason})
			return nil
		}))
	return proc, events, &calls
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func marshal(t *testing.T, v map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func prOpenedPayload(number int, repo, source, target, sha string) map[string]any {
	return map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number": number,
			"title":  "Add retry budget",
			"head":   map[string]any{"ref": source, "sha": sha},
			"base":   map[string]any{"ref": target},
		},
		"repository":   map[string]any{"full_name": repo},
		"installation": map[string]any{"id": 42},
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := "sha256=" + signBody("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("wrong", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte("tampered"), sig))
	assert.False(t, VerifySignature("s3cret", body, ""))
}

func TestDispatchDeduplicatesDeliveries(t *testing.T) {
	proc, events, _ := newTestProcessor(t)
	ctx := context.Background()
	body := marshal(t, map[string]any{"action": "created"})

	res, err := proc.Dispatch(ctx, "issue_comment", "delivery-1", body)
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.Nil(t, res["duplicate"])

	res, err = proc.Dispatch(ctx, "issue_comment", "delivery-1", body)
	require.NoError(t, err)
	assert.Equal(t, true, res["duplicate"])

	received, err := events.Query(ctx, store.EventFilter{EventType: model.EventWebhookReceived})
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestPullRequestOpenedCreatesIntent(t *testing.T) {
	proc, events, calls := newTestProcessor(t)
	ctx := context.Background()

	body := marshal(t, prOpenedPayload(7, "acme/app", "feature/retries", "main", "abcdef0123456789"))
	res, err := proc.Dispatch(ctx, "pull_request", "d-1", body)
	require.NoError(t, err)
	assert.Equal(t, "created", res["action"])
	assert.Equal(t, "acme/app:pr-7", res["intent_id"])

	intent, err := events.Store().GetIntent(ctx, "acme/app:pr-7")
	require.NoError(t, err)
	assert.Equal(t, "feature/retries", intent.Source)
	assert.Equal(t, "main", intent.Target)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, "github-webhook", intent.CreatedBy)
	assert.Equal(t, "acme/app", intent.Technical["repo"])

	links, err := events.Store().ListCommitLinks(ctx, "acme/app:pr-7")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "abcdef0123456789", links[0].SHA)
	assert.Equal(t, "head", links[0].Role)

	require.Len(t, *calls, 1)
	assert.Equal(t, "pending", (*calls)[0].decision)
}

func TestPullRequestOpenedMissingHeadIgnored(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	payload := prOpenedPayload(7, "acme/app", "feature/retries", "main", "")
	res, err := proc.Dispatch(context.Background(), "pull_request", "d-1", marshal(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "ignored", res["action"])
	assert.Equal(t, "missing_head_sha_or_ref", res["reason"])
}

func TestPullRequestClosedMerged(t *testing.T) {
	proc, events, calls := newTestProcessor(t)
	ctx := context.Background()

	opened := marshal(t, prOpenedPayload(7, "acme/app", "feature/retries", "main", "abcdef0123456789"))
	_, err := proc.Dispatch(ctx, "pull_request", "d-1", opened)
	require.NoError(t, err)

	closed := marshal(t, map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"number":           7,
			"merged":           true,
			"merge_commit_sha": "feedface",
			"head":             map[string]any{"sha": "abcdef0123456789"},
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(ctx, "pull_request", "d-2", closed)
	require.NoError(t, err)
	assert.Equal(t, "merged", res["action"])

	intent, err := events.Store().GetIntent(ctx, "acme/app:pr-7")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, intent.Status)

	merges, err := events.Query(ctx, store.EventFilter{EventType: model.EventIntentMerged})
	require.NoError(t, err)
	assert.Len(t, merges, 1)

	links, err := events.Store().ListCommitLinks(ctx, "acme/app:pr-7")
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "merged", (*calls)[len(*calls)-1].decision)
}

func TestPullRequestClosedUnmergedRejects(t *testing.T) {
	proc, events, _ := newTestProcessor(t)
	ctx := context.Background()

	opened := marshal(t, prOpenedPayload(9, "acme/app", "feature/x", "main", "0123456789abcdef"))
	_, err := proc.Dispatch(ctx, "pull_request", "d-1", opened)
	require.NoError(t, err)

	closed := marshal(t, map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"number": 9,
			"merged": false,
			"head":   map[string]any{"sha": "0123456789abcdef"},
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(ctx, "pull_request", "d-2", closed)
	require.NoError(t, err)
	assert.Equal(t, "rejected", res["action"])

	intent, err := events.Store().GetIntent(ctx, "acme/app:pr-9")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, intent.Status)
}

func TestPullRequestClosedUnknownIntent(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	closed := marshal(t, map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"number": 404,
			"merged": true,
			"head":   map[string]any{"sha": "abc"},
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(context.Background(), "pull_request", "d-1", closed)
	require.NoError(t, err)
	assert.Equal(t, "ignored", res["action"])
	assert.Equal(t, "unknown_intent", res["reason"])
}

func TestPushRevalidatesMatchingIntents(t *testing.T) {
	proc, events, _ := newTestProcessor(t)
	ctx := context.Background()

	in := model.NewIntent("int-1", "feature/x", "main")
	in.Status = model.StatusValidated
	in.Retries = 2
	in.Technical = map[string]any{"repo": "acme/app"}
	require.NoError(t, events.Store().PutIntent(ctx, in))

	// Same branch, different repo: must not be touched.
	other := model.NewIntent("int-2", "feature/x", "main")
	other.Technical = map[string]any{"repo": "acme/other"}
	require.NoError(t, events.Store().PutIntent(ctx, other))

	push := marshal(t, map[string]any{
		"ref":        "refs/heads/feature/x",
		"after":      "cafebabe",
		"repository": map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(ctx, "push", "d-1", push)
	require.NoError(t, err)
	assert.Equal(t, "push_processed", res["action"])
	assert.Equal(t, []string{"int-1"}, res["revalidated"])

	got, err := events.Store().GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, "cafebabe", got.Technical["initial_base_commit"])

	requeued, err := events.Query(ctx, store.EventFilter{EventType: model.EventIntentRequeued})
	require.NoError(t, err)
	assert.Len(t, requeued, 1)
}

func TestPushOnTagIgnored(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	push := marshal(t, map[string]any{"ref": "refs/tags/v1.0.0", "after": "abc"})
	res, err := proc.Dispatch(context.Background(), "push", "d-1", push)
	require.NoError(t, err)
	assert.Equal(t, "ignored", res["action"])
	assert.Equal(t, "not_branch_push", res["reason"])
}

func TestMergeGroupChecksRequested(t *testing.T) {
	proc, events, _ := newTestProcessor(t)
	ctx := context.Background()

	body := marshal(t, map[string]any{
		"action": "checks_requested",
		"merge_group": map[string]any{
			"head_sha": "abcdef0123456789",
			"head_ref": "gh-readonly-queue/main/pr-7",
			"base_ref": "refs/heads/main",
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(ctx, "merge_group", "d-1", body)
	require.NoError(t, err)
	assert.Equal(t, "merge_group_checks_requested", res["action"])
	assert.Equal(t, "acme/app:mg-abcdef012345", res["intent_id"])

	intent, err := events.Store().GetIntent(ctx, "acme/app:mg-abcdef012345")
	require.NoError(t, err)
	assert.Equal(t, "main", intent.Target)
	assert.Equal(t, "github-merge-queue", intent.CreatedBy)

	requested, err := events.Query(ctx, store.EventFilter{EventType: model.EventMergeGroupChecksRequested})
	require.NoError(t, err)
	assert.Len(t, requested, 1)
}

func TestMergeGroupDestroyed(t *testing.T) {
	proc, events, _ := newTestProcessor(t)
	ctx := context.Background()

	checks := marshal(t, map[string]any{
		"action": "checks_requested",
		"merge_group": map[string]any{
			"head_sha": "abcdef0123456789",
			"head_ref": "gh-readonly-queue/main/pr-7",
			"base_ref": "refs/heads/main",
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	_, err := proc.Dispatch(ctx, "merge_group", "d-1", checks)
	require.NoError(t, err)

	destroyed := marshal(t, map[string]any{
		"action":      "destroyed",
		"reason":      "dequeued",
		"merge_group": map[string]any{"head_sha": "abcdef0123456789"},
		"repository":  map[string]any{"full_name": "acme/app"},
	})
	res, err := proc.Dispatch(ctx, "merge_group", "d-2", destroyed)
	require.NoError(t, err)
	assert.Equal(t, "merge_group_destroyed", res["action"])

	intent, err := events.Store().GetIntent(ctx, "acme/app:mg-abcdef012345")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, intent.Status)

	events2, err := events.Query(ctx, store.EventFilter{EventType: model.EventMergeGroupDestroyed})
	require.NoError(t, err)
	require.Len(t, events2, 1)
	assert.Equal(t, "dequeued", events2[0].Payload["reason"])
}

func TestHandlerVerifiesSignature(t *testing.T) {
	proc, _, _ := newTestProcessor(t)
	h := NewHandler(proc, "s3cret", true)

	body := marshal(t, map[string]any{"action": "created"})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", "sha256="+signBody("wrong", body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-GitHub-Delivery", "d-2")
	req.Header.Set("X-Hub-Signature-256", "sha256="+signBody("s3cret", body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, true, res["ok"])
}

func TestHandlerRejectsWhenSecretRequiredButMissing(t *testing.T) {
	proc, _, _ := newTestProcessor(t)
	h := NewHandler(proc, "", true)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	proc, _, _ := newTestProcessor(t)
	h := NewHandler(proc, "", false)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMaxBodyBytesFromEnv(t *testing.T) {
	t.Setenv("CONVERGE_WEBHOOK_MAX_BODY_BYTES", "2048")
	assert.Equal(t, int64(2048), MaxBodyBytes())

	t.Setenv("CONVERGE_WEBHOOK_MAX_BODY_BYTES", "not-a-number")
	assert.Equal(t, int64(DefaultMaxBodyBytes), MaxBodyBytes())
}
