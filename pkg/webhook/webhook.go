// Package webhook ingests GitHub webhook deliveries and translates
// them into intent lifecycle operations: pull requests become intents,
// pushes trigger revalidation, merge-queue groups gate on validation.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// shaDisplayLen is how many sha characters appear in derived intent ids.
const shaDisplayLen = 12

// DefaultMaxBodyBytes caps webhook payload size at 1 MiB.
const DefaultMaxBodyBytes = 1 << 20

// VerifySignature checks an X-Hub-Signature-256 header against the
// request body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MaxBodyBytes resolves the payload size cap from the environment.
func MaxBodyBytes() int64 {
	raw := os.Getenv("CONVERGE_WEBHOOK_MAX_BODY_BYTES")
	if raw == "" {
		return DefaultMaxBodyBytes
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return DefaultMaxBodyBytes
	}
	return n
}

// PublishFunc reports a validation decision back to the forge (for
// example a GitHub check run). Best-effort; errors are logged only.
type PublishFunc func(ctx context.Context, repo, headSHA, intentID, decision, reason string) error

// Processor turns parsed GitHub events into lifecycle operations.
type Processor struct {
	events  *eventlog.Log
	engine  *engine.Engine
	publish PublishFunc
	logger  *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPublisher installs the decision publisher.
func WithPublisher(p PublishFunc) ProcessorOption {
	return func(pr *Processor) { pr.publish = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(pr *Processor) { pr.logger = l }
}

// NewProcessor builds a webhook processor over the engine.
func NewProcessor(events *eventlog.Log, eng *engine.Engine, opts ...ProcessorOption) *Processor {
	p := &Processor{events: events, engine: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the JSON response body for one delivery.
type Result map[string]any

// Dispatch routes one verified, deduplicated GitHub event.
// githubEvent is the X-GitHub-Event header value.
func (p *Processor) Dispatch(ctx context.Context, githubEvent, deliveryID string, body []byte) (Result, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	fresh, err := p.events.Store().RecordWebhookDelivery(ctx, deliveryID, githubEvent)
	if err != nil {
		return nil, err
	}
	if deliveryID != "" && !fresh {
		return Result{"ok": true, "delivery_id": deliveryID, "duplicate": true}, nil
	}

	_, err = p.events.Append(ctx, model.Event{
		EventType: model.EventWebhookReceived,
		Payload: map[string]any{
			"github_event": githubEvent,
			"delivery_id":  deliveryID,
			"action":       model.Str(data["action"]),
		},
		Evidence: map[string]any{"delivery_id": deliveryID},
	})
	if err != nil {
		return nil, err
	}

	switch githubEvent {
	case "pull_request":
		return p.handlePullRequest(ctx, data)
	case "push":
		return p.handlePush(ctx, data)
	case "merge_group":
		return p.handleMergeGroup(ctx, data)
	}
	return Result{"ok": true, "delivery_id": deliveryID}, nil
}

func (p *Processor) handlePullRequest(ctx context.Context, data map[string]any) (Result, error) {
	action := model.Str(data["action"])
	pr := asMap(data["pull_request"])
	prNumber := asInt(pr["number"])
	repo := model.Str(asMap(data["repository"])["full_name"])

	intentID := fmt.Sprintf("pr-%d", prNumber)
	if repo != "" {
		intentID = fmt.Sprintf("%s:pr-%d", repo, prNumber)
	}

	switch action {
	case "opened", "synchronize", "reopened":
		return p.prOpened(ctx, data, pr, intentID, repo)
	case "closed":
		return p.prClosed(ctx, pr, intentID, repo)
	}
	return Result{"ok": true, "intent_id": intentID, "action": "ignored"}, nil
}

func (p *Processor) prOpened(ctx context.Context, data, pr map[string]any, intentID, repo string) (Result, error) {
	head := asMap(pr["head"])
	base := asMap(pr["base"])
	source := model.Str(head["ref"])
	headSHA := model.Str(head["sha"])
	target := model.Str(base["ref"])
	if target == "" {
		target = model.DefaultTargetBranch
	}
	if headSHA == "" || source == "" {
		return Result{"ok": true, "intent_id": intentID, "action": "ignored",
			"reason": "missing_head_sha_or_ref"}, nil
	}

	title := model.Str(pr["title"])
	installationID := asMap(data["installation"])["id"]
	intent := model.Intent{
		ID:        intentID,
		Source:    source,
		Target:    target,
		Status:    model.StatusReady,
		CreatedBy: "github-webhook",
		TenantID:  os.Getenv("CONVERGE_GITHUB_DEFAULT_TENANT"),
		Semantic: map[string]any{
			"problem_statement": title,
			"objective":         title,
			"origin_type":       "integration",
		},
		Technical: map[string]any{
			"source_ref":          source,
			"target_ref":          target,
			"initial_base_commit": headSHA,
			"repo":                repo,
			"pr_number":           prNumber(pr),
			"installation_id":     installationID,
		},
	}

	created, err := p.engine.CreateIntent(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !created.OK {
		return Result{"ok": true, "intent_id": intentID, "action": "intake_rejected",
			"mode": created.Mode, "reason": created.Reason}, nil
	}

	if err := p.recordCommitLink(ctx, intentID, repo, headSHA, "head", "pr_opened", intent.TenantID); err != nil {
		return nil, err
	}
	p.tryPublish(ctx, repo, headSHA, intentID, "pending", "")
	return Result{"ok": true, "intent_id": intentID, "action": "created"}, nil
}

func (p *Processor) prClosed(ctx context.Context, pr map[string]any, intentID, repo string) (Result, error) {
	merged, _ := pr["merged"].(bool)
	headSHA := model.Str(asMap(pr["head"])["sha"])
	mergeCommit := model.Str(pr["merge_commit_sha"])

	intent, err := p.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			p.logger.Warn("pr closed but no intent found", "intent_id", intentID)
			return Result{"ok": true, "intent_id": intentID, "action": "ignored",
				"reason": "unknown_intent"}, nil
		}
		return nil, err
	}

	newStatus := model.StatusRejected
	eventType := model.EventIntentRejected
	decision := "rejected"
	reason := "PR closed"
	if merged {
		newStatus = model.StatusMerged
		eventType = model.EventIntentMerged
		decision = "merged"
		reason = "PR merged"
	}

	if err := p.events.Store().UpdateIntentStatus(ctx, intentID, newStatus, intent.Retries); err != nil {
		return nil, err
	}
	_, err = p.events.Append(ctx, model.Event{
		EventType: eventType,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"source":           intent.Source,
			"target":           intent.Target,
			"merged":           merged,
			"merge_commit_sha": mergeCommit,
			"trigger":          "github_pr_closed",
		},
	})
	if err != nil {
		return nil, err
	}

	if merged && mergeCommit != "" {
		intentRepo := model.Str(intent.Technical["repo"])
		if intentRepo == "" {
			intentRepo = repo
		}
		if err := p.recordCommitLink(ctx, intentID, intentRepo, mergeCommit, "merge", "pr_merged", intent.TenantID); err != nil {
			return nil, err
		}
	}
	p.tryPublish(ctx, repo, headSHA, intentID, decision, reason)
	return Result{"ok": true, "intent_id": intentID, "action": decision}, nil
}

func (p *Processor) handlePush(ctx context.Context, data map[string]any) (Result, error) {
	ref := model.Str(data["ref"])
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok || branch == "" {
		return Result{"ok": true, "action": "ignored", "reason": "not_branch_push"}, nil
	}
	repo := model.Str(asMap(data["repository"])["full_name"])
	headSHA := model.Str(data["after"])

	revalidated := []string{}
	for _, status := range []model.Status{model.StatusReady, model.StatusValidated} {
		intents, err := p.events.Store().ListIntents(ctx, store.IntentFilter{
			Status: status, Limit: model.QueryLimitLarge,
		})
		if err != nil {
			return nil, err
		}
		for _, intent := range intents {
			if intent.Source != branch {
				continue
			}
			intentRepo := model.Str(intent.Technical["repo"])
			if intentRepo != "" && intentRepo != repo {
				continue
			}
			if intent.Technical == nil {
				intent.Technical = map[string]any{}
			}
			intent.Technical["initial_base_commit"] = headSHA
			intent.Status = model.StatusReady
			intent.Retries = 0
			if err := p.events.Store().PutIntent(ctx, intent); err != nil {
				return nil, err
			}
			_, err := p.events.Append(ctx, model.Event{
				EventType: model.EventIntentRequeued,
				IntentID:  intent.ID,
				TenantID:  intent.TenantID,
				Payload: map[string]any{
					"trigger":      "push_revalidation",
					"branch":       branch,
					"new_head_sha": headSHA,
				},
			})
			if err != nil {
				return nil, err
			}
			if err := p.events.Store().LinkCommit(ctx, store.CommitLink{
				IntentID: intent.ID, Repo: repo, SHA: headSHA, Role: "head",
			}); err != nil {
				return nil, err
			}
			revalidated = append(revalidated, intent.ID)
			p.tryPublish(ctx, repo, headSHA, intent.ID, "pending", "Re-push detected, revalidating")
		}
	}
	return Result{"ok": true, "action": "push_processed", "revalidated": revalidated}, nil
}

func (p *Processor) handleMergeGroup(ctx context.Context, data map[string]any) (Result, error) {
	action := model.Str(data["action"])
	mg := asMap(data["merge_group"])
	repo := model.Str(asMap(data["repository"])["full_name"])
	headSHA := model.Str(mg["head_sha"])

	if headSHA == "" || repo == "" {
		return Result{"ok": true, "action": "ignored", "reason": "incomplete_payload"}, nil
	}
	sha := headSHA
	if len(sha) > shaDisplayLen {
		sha = sha[:shaDisplayLen]
	}
	intentID := fmt.Sprintf("%s:mg-%s", repo, sha)

	switch action {
	case "checks_requested":
		return p.mergeGroupChecksRequested(ctx, data, mg, intentID, repo, headSHA)
	case "destroyed":
		return p.mergeGroupDestroyed(ctx, data, mg, intentID, repo)
	}
	return Result{"ok": true, "action": "ignored",
		"reason": "unknown_merge_group_action_" + action}, nil
}

func (p *Processor) mergeGroupChecksRequested(ctx context.Context, data, mg map[string]any, intentID, repo, headSHA string) (Result, error) {
	baseRef := strings.TrimPrefix(model.Str(mg["base_ref"]), "refs/heads/")
	if baseRef == "" {
		baseRef = model.DefaultTargetBranch
	}
	headRef := model.Str(mg["head_ref"])
	tenant := os.Getenv("CONVERGE_GITHUB_DEFAULT_TENANT")

	intent := model.Intent{
		ID:        intentID,
		Source:    headRef,
		Target:    baseRef,
		Status:    model.StatusReady,
		CreatedBy: "github-merge-queue",
		TenantID:  tenant,
		Semantic: map[string]any{
			"problem_statement": "Merge queue candidate",
			"objective":         "Validate merge group before integration",
			"origin_type":       "integration",
		},
		Technical: map[string]any{
			"source_ref":           headRef,
			"target_ref":           baseRef,
			"initial_base_commit":  headSHA,
			"repo":                 repo,
			"merge_group_head_ref": headRef,
			"installation_id":      asMap(data["installation"])["id"],
			"webhook_event":        "merge_group",
		},
	}

	created, err := p.engine.CreateIntent(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !created.OK {
		return Result{"ok": true, "intent_id": intentID, "action": "intake_rejected",
			"mode": created.Mode, "reason": created.Reason}, nil
	}

	_, err = p.events.Append(ctx, model.Event{
		EventType: model.EventMergeGroupChecksRequested,
		IntentID:  intentID,
		TenantID:  tenant,
		Payload:   map[string]any{"source": headRef, "target": baseRef, "repo": repo},
	})
	if err != nil {
		return nil, err
	}
	if err := p.recordCommitLink(ctx, intentID, repo, headSHA, "head", "merge_group", tenant); err != nil {
		return nil, err
	}
	p.tryPublish(ctx, repo, headSHA, intentID, "pending", "Merge queue entry, validation starting")
	return Result{"ok": true, "intent_id": intentID, "action": "merge_group_checks_requested"}, nil
}

func (p *Processor) mergeGroupDestroyed(ctx context.Context, data, mg map[string]any, intentID, repo string) (Result, error) {
	intent, err := p.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return Result{"ok": true, "intent_id": intentID, "action": "ignored",
				"reason": "unknown_intent"}, nil
		}
		return nil, err
	}

	reason := model.Str(data["reason"])
	if reason == "" {
		reason = "destroyed"
	}
	if err := p.events.Store().UpdateIntentStatus(ctx, intentID, model.StatusRejected, intent.Retries); err != nil {
		return nil, err
	}
	_, err = p.events.Append(ctx, model.Event{
		EventType: model.EventMergeGroupDestroyed,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"source":  intent.Source,
			"target":  intent.Target,
			"reason":  reason,
			"trigger": "github_merge_group_destroyed",
		},
	})
	if err != nil {
		return nil, err
	}
	p.tryPublish(ctx, repo, model.Str(mg["head_sha"]), intentID, "rejected",
		"Merge group destroyed: "+reason)
	return Result{"ok": true, "intent_id": intentID, "action": "merge_group_destroyed"}, nil
}

func (p *Processor) recordCommitLink(ctx context.Context, intentID, repo, sha, role, trigger, tenantID string) error {
	if err := p.events.Store().LinkCommit(ctx, store.CommitLink{
		IntentID: intentID, Repo: repo, SHA: sha, Role: role,
	}); err != nil {
		return err
	}
	_, err := p.events.Append(ctx, model.Event{
		EventType: model.EventIntentLinkedCommit,
		IntentID:  intentID,
		TenantID:  tenantID,
		Payload:   map[string]any{"repo": repo, "sha": sha, "role": role, "trigger": trigger},
	})
	return err
}

func (p *Processor) tryPublish(ctx context.Context, repo, headSHA, intentID, decision, reason string) {
	if p.publish == nil || repo == "" || headSHA == "" {
		return
	}
	if err := p.publish(ctx, repo, headSHA, intentID, decision, reason); err != nil {
		p.logger.Warn("decision publish failed",
			"intent_id", intentID, "decision", decision, "error", err)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func prNumber(pr map[string]any) int { return asInt(pr["number"]) }
