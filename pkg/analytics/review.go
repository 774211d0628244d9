package analytics

import (
	"context"
	"fmt"
	"strings"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/projections"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/store"
)

const (
	reviewHistoryLimit      = 50
	reviewRiskThreshold     = 50.0
	criticalDiagDisplayed   = 3
	lessonPriorityImmediate = 0
	lessonPriorityHigh      = 1
)

// RiskReview assembles everything a human reviewer needs for one
// intent: latest scores, diagnostics, compliance posture, recent
// decision history, and lessons ranked by urgency.
func (s *Service) RiskReview(ctx context.Context, intentID string) (map[string]any, error) {
	intent, err := s.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	riskPayload, err := s.latestPayload(ctx, model.EventRiskEvaluated, intentID)
	if err != nil {
		return nil, err
	}
	simPayload, err := s.latestPayload(ctx, model.EventSimulationCompleted, intentID)
	if err != nil {
		return nil, err
	}
	policyPayload, err := s.latestPayload(ctx, model.EventPolicyEvaluated, intentID)
	if err != nil {
		return nil, err
	}

	eval := riskEvalFromPayload(riskPayload)
	sim := model.Simulation{
		Mergeable:    len(simPayload) == 0 || simPayload["mergeable"] == true,
		Conflicts:    model.StringSlice(simPayload["conflicts"]),
		FilesChanged: model.StringSlice(simPayload["files_changed"]),
	}
	// No evaluation on record yet means nothing to diagnose.
	diagnostics := []map[string]any{}
	if len(riskPayload) > 0 {
		diagnostics = risk.BuildDiagnostics(eval, sim)
	}

	proj := projections.NewService(s.events)
	compliancePassed, err := proj.CompliancePassed(ctx, intent.TenantID)
	if err != nil {
		return nil, err
	}

	history, err := s.events.Query(ctx, store.EventFilter{
		IntentID: intentID, Limit: reviewHistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	timeline := make([]map[string]any, 0, len(history))
	for _, e := range history {
		timeline = append(timeline, map[string]any{
			"event_type": e.EventType,
			"timestamp":  e.Timestamp,
			"payload":    e.Payload,
		})
	}

	return map[string]any{
		"intent": map[string]any{
			"id":         intent.ID,
			"source":     intent.Source,
			"target":     intent.Target,
			"status":     string(intent.Status),
			"risk_level": string(intent.RiskLevel),
			"retries":    intent.Retries,
		},
		"risk":              riskPayload,
		"simulation":        simPayload,
		"policy":            policyPayload,
		"diagnostics":       diagnostics,
		"compliance_passed": compliancePassed,
		"history":           timeline,
		"lessons":           reviewLessons(eval, diagnostics),
	}, nil
}

// reviewLessons distills the review into prioritized actions. Critical
// diagnostics come first, then elevated composite risk.
func reviewLessons(eval model.RiskEval, diagnostics []map[string]any) []map[string]any {
	var critical []string
	for _, d := range diagnostics {
		if model.Str(d["severity"]) == "critical" {
			critical = append(critical, model.Str(d["explanation"]))
		}
	}

	var lessons []map[string]any
	if len(critical) > 0 {
		shown := critical
		if len(shown) > criticalDiagDisplayed {
			shown = shown[:criticalDiagDisplayed]
		}
		lessons = append(lessons, map[string]any{
			"code":     "learn.critical_diagnostics",
			"title":    fmt.Sprintf("%d critical diagnostics need resolution", len(critical)),
			"why":      strings.Join(shown, "; "),
			"action":   "Resolve critical diagnostics before this intent can merge",
			"priority": lessonPriorityImmediate,
		})
	}
	if eval.RiskScore > reviewRiskThreshold {
		lessons = append(lessons, map[string]any{
			"code":     "learn.review_risk",
			"title":    fmt.Sprintf("Risk score %.0f warrants human review", eval.RiskScore),
			"why":      "Composite risk exceeds the unattended-merge threshold",
			"action":   "Request a review task or split the change",
			"priority": lessonPriorityHigh,
		})
	}
	return lessons
}

// riskEvalFromPayload reconstructs the evaluation from its persisted
// event payload, the inverse of RiskEval.ToPayload.
func riskEvalFromPayload(p map[string]any) model.RiskEval {
	signals, _ := p["signals"].(map[string]any)
	return model.RiskEval{
		IntentID:         model.Str(p["intent_id"]),
		RiskScore:        model.Float(p["risk_score"]),
		DamageScore:      model.Float(p["damage_score"]),
		EntropyScore:     model.Float(p["entropy_score"]),
		PropagationScore: model.Float(p["propagation_score"]),
		ContainmentScore: model.Float(p["containment_score"]),
		EntropicLoad:     model.Float(signals["entropic_load"]),
		ContextualValue:  model.Float(signals["contextual_value"]),
		ComplexityDelta:  model.Float(signals["complexity_delta"]),
		PathDependence:   model.Float(signals["path_dependence"]),
	}
}

func (s *Service) latestPayload(ctx context.Context, eventType, intentID string) (map[string]any, error) {
	events, err := s.events.Query(ctx, store.EventFilter{
		EventType: eventType, IntentID: intentID, Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return map[string]any{}, nil
	}
	return events[0].Payload, nil
}
