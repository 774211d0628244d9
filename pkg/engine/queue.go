package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/resilience"
	"github.com/convergehq/converge/pkg/store"
)

// QueueOpts tune one processing pass over the merge queue.
type QueueOpts struct {
	Limit             int
	Target            string
	AutoConfirm       bool
	MaxRetries        int
	UseLastSimulation bool
	SkipChecks        bool
	Holder            string // lock holder identity; defaults to a fresh id
}

func (o *QueueOpts) defaults() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Target == "" {
		o.Target = model.DefaultTargetBranch
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = model.MaxRetries
	}
	if o.Holder == "" {
		o.Holder = "proc-" + model.NewID()
	}
}

// ProcessQueue revalidates and advances VALIDATED intents.
// Invariant 2: each intent revalidates against the current target state.
// Invariant 3: intents past the retry limit are rejected.
// The pass is serialized by the queue lock; a held lock returns a single
// error decision rather than blocking.
func (e *Engine) ProcessQueue(ctx context.Context, opts QueueOpts) ([]Decision, error) {
	opts.defaults()

	ttl := time.Duration(model.QueueLockTTLSeconds) * time.Second
	if err := e.locker.Acquire(ctx, opts.Holder, ttl); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return []Decision{{
				Err:  "Queue lock held. Another process may be running.",
				Lock: e.queueLockInfo(ctx),
			}}, nil
		}
		return nil, fmt.Errorf("acquire queue lock: %w", err)
	}
	defer func() {
		if err := e.locker.Release(ctx, opts.Holder); err != nil {
			e.logger.Warn("queue lock release failed", "holder", opts.Holder, "error", err)
		}
	}()

	intents, err := e.events.Store().ListIntents(ctx, store.IntentFilter{
		Status: model.StatusValidated,
		Limit:  opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Decision, 0, len(intents))
	for _, intent := range intents {
		d, err := e.processSingleIntent(ctx, intent, opts)
		if err != nil {
			return results, err
		}
		results = append(results, d)
	}

	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventQueueProcessed,
		Payload: map[string]any{
			"processed": len(results), "limit": opts.Limit, "target": opts.Target,
		},
		Evidence: map[string]any{"count": len(results)},
	})
	if err != nil {
		return results, err
	}
	return results, nil
}

// queueLockInfo reads who actually holds the queue lock. Best effort:
// locks living outside the store (Redis) report no holder details.
func (e *Engine) queueLockInfo(ctx context.Context) map[string]any {
	info, ok, err := e.events.Store().GetQueueLockInfo(ctx)
	if err != nil || !ok {
		return nil
	}
	return map[string]any{
		"holder":      info.Holder,
		"acquired_at": info.AcquiredAt,
		"expires_at":  info.ExpiresAt,
	}
}

func (e *Engine) processSingleIntent(ctx context.Context, intent model.Intent, opts QueueOpts) (Decision, error) {
	// Dependency rule: every listed dependency must exist and be
	// MERGED. Unmet dependencies leave the status untouched; the
	// intent is revisited next cycle.
	unmet, err := e.unmetDependencies(ctx, intent)
	if err != nil {
		return Decision{}, err
	}
	if len(unmet) > 0 {
		_, err := e.events.Append(ctx, model.Event{
			EventType: model.EventIntentDependencyBlocked,
			IntentID:  intent.ID,
			TenantID:  intent.TenantID,
			Payload:   map[string]any{"unmet": unmet},
			Evidence:  map[string]any{"dependencies": intent.Dependencies},
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			IntentID: intent.ID,
			Decision: "dependency_blocked",
			Reason:   "unmet dependencies",
			Unmet:    unmet,
		}, nil
	}

	// Invariant 3: bounded retry.
	if intent.Retries >= opts.MaxRetries {
		return e.rejectMaxRetries(ctx, intent, opts.MaxRetries)
	}

	// Invariant 2: revalidate against current target state.
	decision, err := e.ValidateIntent(ctx, intent, ValidateOpts{
		UseLastSimulation: opts.UseLastSimulation,
		SkipChecks:        opts.SkipChecks,
	})
	if err != nil {
		return Decision{}, err
	}

	if decision.Decision == "blocked" {
		return e.handleBlockedIntent(ctx, intent, decision, opts.MaxRetries)
	}

	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, model.StatusQueued, intent.Retries); err != nil {
		return Decision{}, err
	}

	if opts.AutoConfirm {
		if err := e.executeMerge(ctx, intent, &decision, opts.MaxRetries); err != nil {
			return Decision{}, err
		}
	}
	return decision, nil
}

// unmetDependencies returns dependency ids that are missing or not yet
// MERGED.
func (e *Engine) unmetDependencies(ctx context.Context, intent model.Intent) ([]string, error) {
	var unmet []string
	for _, dep := range intent.Dependencies {
		d, err := e.events.Store().GetIntent(ctx, dep)
		if err != nil {
			if errors.Is(err, store.ErrIntentNotFound) {
				unmet = append(unmet, dep)
				continue
			}
			return nil, err
		}
		if d.Status != model.StatusMerged {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

func (e *Engine) rejectMaxRetries(ctx context.Context, intent model.Intent, maxRetries int) (Decision, error) {
	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, model.StatusRejected, intent.Retries); err != nil {
		return Decision{}, err
	}
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventIntentRejected,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"reason":  fmt.Sprintf("Max retries (%d) exceeded", maxRetries),
			"retries": intent.Retries,
		},
		Evidence: map[string]any{"retries": intent.Retries, "max_retries": maxRetries},
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		IntentID: intent.ID,
		Decision: "rejected",
		Reason:   "max_retries_exceeded",
	}, nil
}

func (e *Engine) handleBlockedIntent(ctx context.Context, intent model.Intent, decision Decision, maxRetries int) (Decision, error) {
	newRetries := intent.Retries + 1
	newStatus := model.StatusReady
	eventType := model.EventIntentRequeued
	if newRetries >= maxRetries {
		newStatus = model.StatusRejected
		eventType = model.EventIntentRejected
	}
	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, newStatus, newRetries); err != nil {
		return Decision{}, err
	}
	_, err := e.events.Append(ctx, model.Event{
		EventType: eventType,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload:   map[string]any{"reason": decision.Reason, "retries": newRetries},
		Evidence:  map[string]any{"retries": newRetries},
	})
	if err != nil {
		return Decision{}, err
	}
	decision.Retries = newRetries
	return decision, nil
}

func (e *Engine) executeMerge(ctx context.Context, intent model.Intent, decision *Decision, maxRetries int) error {
	var sha string
	if _, rootErr := e.git.RepoRoot(ctx); rootErr != nil {
		// Environments without a real repository still advance the
		// lifecycle; the synthetic sha is marked as such.
		sha = "simulated-" + shortID(intent.ID)
		decision.MergeNote = rootErr.Error()
	} else {
		mergeErr := resilience.Retry(ctx, resilience.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
		}, func() error {
			var err error
			sha, err = e.git.ExecuteMergeSafe(ctx, intent.Source, intent.Target)
			return err
		})
		if mergeErr != nil {
			return e.handleMergeFailure(ctx, intent, decision, mergeErr, maxRetries)
		}
	}

	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, model.StatusMerged, intent.Retries); err != nil {
		return err
	}
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventIntentMerged,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"merged_commit": sha, "source": intent.Source, "target": intent.Target,
		},
		Evidence: map[string]any{"merged_commit": sha},
	})
	if err != nil {
		return err
	}
	decision.Decision = "merged"
	decision.MergedCommit = sha
	return nil
}

// handleMergeFailure records the failed merge attempt and requeues the
// intent for another validation pass, or rejects it at the retry limit.
func (e *Engine) handleMergeFailure(ctx context.Context, intent model.Intent, decision *Decision, mergeErr error, maxRetries int) error {
	newRetries := intent.Retries + 1
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventIntentMergeFailed,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"error":   mergeErr.Error(),
			"source":  intent.Source,
			"target":  intent.Target,
			"retries": newRetries,
		},
	})
	if err != nil {
		return err
	}

	newStatus := model.StatusValidated
	eventType := model.EventIntentRequeued
	reason := "merge_failed"
	if newRetries >= maxRetries {
		newStatus = model.StatusRejected
		eventType = model.EventIntentRejected
		reason = mergeErr.Error()
	}
	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, newStatus, newRetries); err != nil {
		return err
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: eventType,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload:   map[string]any{"reason": reason, "retries": newRetries},
		Evidence:  map[string]any{"retries": newRetries},
	})
	if err != nil {
		return err
	}
	decision.Decision = "requeued"
	if newStatus == model.StatusRejected {
		decision.Decision = "rejected"
	}
	decision.Reason = reason
	decision.Retries = newRetries
	decision.MergeNote = mergeErr.Error()
	return nil
}

// ConfirmMerge confirms a QUEUED (or still VALIDATED) intent as MERGED,
// recording the commit sha if the caller knows it.
func (e *Engine) ConfirmMerge(ctx context.Context, intentID, mergedCommit string) (Decision, error) {
	intent, err := e.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return Decision{Err: fmt.Sprintf("Intent %s not found", intentID)}, nil
		}
		return Decision{}, err
	}
	if intent.Status != model.StatusQueued && intent.Status != model.StatusValidated {
		return Decision{Err: fmt.Sprintf("Intent %s is %s, expected QUEUED or VALIDATED",
			intentID, intent.Status)}, nil
	}

	sha := mergedCommit
	if sha == "" {
		sha = "confirmed-" + shortID(intentID)
	}
	if err := e.events.Store().UpdateIntentStatus(ctx, intentID, model.StatusMerged, intent.Retries); err != nil {
		return Decision{}, err
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventIntentMerged,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"merged_commit": sha, "source": intent.Source, "target": intent.Target,
		},
		Evidence: map[string]any{"merged_commit": sha},
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{IntentID: intentID, Decision: "merged", MergedCommit: sha}, nil
}

// ResetQueue resets retries for an intent, optionally forcing a status
// and clearing a stuck queue lock.
func (e *Engine) ResetQueue(ctx context.Context, intentID string, setStatus model.Status, clearLock bool) (Decision, error) {
	if clearLock {
		if err := e.events.Store().ForceReleaseQueueLock(ctx); err != nil {
			return Decision{}, err
		}
	}

	intent, err := e.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return Decision{Err: fmt.Sprintf("Intent %s not found", intentID)}, nil
		}
		return Decision{}, err
	}

	newStatus := intent.Status
	if setStatus != "" {
		newStatus = setStatus
	}
	if err := e.events.Store().UpdateIntentStatus(ctx, intentID, newStatus, 0); err != nil {
		return Decision{}, err
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventQueueReset,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload:   map[string]any{"new_status": string(newStatus), "retries_reset": true},
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{IntentID: intentID, Decision: string(newStatus)}, nil
}

// InspectFilter narrows InspectQueue output.
type InspectFilter struct {
	Status         model.Status
	MinRetries     int
	OnlyActionable bool
	Limit          int
}

// InspectQueue lists queue entries for operators.
func (e *Engine) InspectQueue(ctx context.Context, f InspectFilter) ([]map[string]any, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var intents []model.Intent
	var err error
	switch {
	case f.OnlyActionable:
		for _, s := range []model.Status{model.StatusReady, model.StatusValidated, model.StatusQueued} {
			batch, lerr := e.events.Store().ListIntents(ctx, store.IntentFilter{Status: s, Limit: f.Limit})
			if lerr != nil {
				return nil, lerr
			}
			intents = append(intents, batch...)
		}
	case f.Status != "":
		intents, err = e.events.Store().ListIntents(ctx, store.IntentFilter{Status: f.Status, Limit: f.Limit})
	default:
		intents, err = e.events.Store().ListIntents(ctx, store.IntentFilter{Limit: f.Limit})
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(intents))
	for _, in := range intents {
		if in.Retries < f.MinRetries {
			continue
		}
		out = append(out, map[string]any{
			"intent_id":  in.ID,
			"status":     string(in.Status),
			"retries":    in.Retries,
			"priority":   in.Priority,
			"source":     in.Source,
			"target":     in.Target,
			"risk_level": string(in.RiskLevel),
		})
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
