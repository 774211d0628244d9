package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// AdmissionFunc decides whether a new intent is accepted. Wired to the
// intake controller at composition time; a nil func admits everything.
type AdmissionFunc func(ctx context.Context, in model.Intent) (accepted bool, mode, reason string, err error)

// WithAdmission installs the intake gate on intent creation.
func WithAdmission(f AdmissionFunc) Option {
	return func(e *Engine) { e.admission = f }
}

// CreateResult reports the outcome of CreateIntent.
type CreateResult struct {
	OK         bool   `json:"ok"`
	IntentID   string `json:"intent_id"`
	Status     string `json:"status,omitempty"`
	RejectedBy string `json:"rejected_by,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CreateIntent admits and persists a new intent. The intake gate runs
// first: a rejected intent is never stored, only the intake decision
// event remains.
func (e *Engine) CreateIntent(ctx context.Context, in model.Intent) (CreateResult, error) {
	if in.ID == "" {
		in.ID = "intent-" + model.NewID()
	}
	if in.Source == "" {
		return CreateResult{}, fmt.Errorf("intent %s: source ref is required", in.ID)
	}
	if in.Target == "" {
		in.Target = model.DefaultTargetBranch
	}
	if in.Status == "" {
		in.Status = model.StatusReady
	}
	if in.CreatedAt == "" {
		in.CreatedAt = model.NowISO()
	}
	if in.CreatedBy == "" {
		in.CreatedBy = "system"
	}
	if in.RiskLevel == "" {
		in.RiskLevel = model.RiskMedium
	}
	if in.Priority == 0 {
		in.Priority = model.DefaultPriority
	}

	if e.admission != nil {
		accepted, mode, reason, err := e.admission(ctx, in)
		if err != nil {
			return CreateResult{}, err
		}
		if !accepted {
			return CreateResult{
				OK: false, IntentID: in.ID,
				RejectedBy: "intake", Mode: mode, Reason: reason,
			}, nil
		}
	}

	_, err := e.events.AppendIntentEvent(ctx, in, model.Event{
		EventType: model.EventIntentCreated,
		Payload:   intentPayload(in),
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{OK: true, IntentID: in.ID, Status: string(in.Status)}, nil
}

// SetIntentStatus force-transitions an intent and records the change.
// Operational escape hatch; the queue owns normal transitions.
func (e *Engine) SetIntentStatus(ctx context.Context, intentID string, status model.Status) (Decision, error) {
	intent, err := e.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return Decision{Err: fmt.Sprintf("Intent %s not found", intentID)}, nil
		}
		return Decision{}, err
	}
	if err := e.events.Store().UpdateIntentStatus(ctx, intentID, status, intent.Retries); err != nil {
		return Decision{}, err
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventIntentStatusChanged,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload:   map[string]any{"from": string(intent.Status), "to": string(status)},
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{IntentID: intentID, Decision: string(status)}, nil
}

func intentPayload(in model.Intent) map[string]any {
	return map[string]any{
		"id":              in.ID,
		"source":          in.Source,
		"target":          in.Target,
		"status":          string(in.Status),
		"created_at":      in.CreatedAt,
		"created_by":      in.CreatedBy,
		"risk_level":      string(in.RiskLevel),
		"priority":        in.Priority,
		"semantic":        in.Semantic,
		"technical":       in.Technical,
		"checks_required": in.ChecksRequired,
		"dependencies":    in.Dependencies,
		"retries":         in.Retries,
		"tenant_id":       in.TenantID,
	}
}
