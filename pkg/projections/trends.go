package projections

import (
	"context"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// RiskTrend returns the risk score time series.
func (s *Service) RiskTrend(ctx context.Context, tenantID string, days, limit int) ([]map[string]any, error) {
	events, err := s.trendEvents(ctx, model.EventRiskEvaluated, tenantID, days, limit, model.QueryLimitMedium)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"timestamp":     e.Timestamp,
			"intent_id":     e.IntentID,
			"risk_score":    model.Float(e.Payload["risk_score"]),
			"damage_score":  model.Float(e.Payload["damage_score"]),
			"entropy_score": model.Float(e.Payload["entropy_score"]),
		})
	}
	return out, nil
}

// EntropyTrend returns the entropy score time series.
func (s *Service) EntropyTrend(ctx context.Context, tenantID string, days, limit int) ([]map[string]any, error) {
	events, err := s.trendEvents(ctx, model.EventRiskEvaluated, tenantID, days, limit, model.QueryLimitMedium)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"timestamp":     e.Timestamp,
			"intent_id":     e.IntentID,
			"entropy_score": model.Float(e.Payload["entropy_score"]),
		})
	}
	return out, nil
}

// HealthTrend returns recorded health snapshots.
func (s *Service) HealthTrend(ctx context.Context, tenantID string, days, limit int) ([]map[string]any, error) {
	events, err := s.trendEvents(ctx, model.EventHealthSnapshot, tenantID, days, limit, model.QueryLimitSmall)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload)
	}
	return out, nil
}

// ChangeHealthTrend returns recorded change-level health snapshots.
func (s *Service) ChangeHealthTrend(ctx context.Context, tenantID string, days, limit int) ([]map[string]any, error) {
	events, err := s.trendEvents(ctx, model.EventHealthChangeSnapshot, tenantID, days, limit, model.QueryLimitMedium)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload)
	}
	return out, nil
}

func (s *Service) trendEvents(ctx context.Context, eventType, tenantID string, days, limit, defaultLimit int) ([]model.Event, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.events.Query(ctx, store.EventFilter{
		EventType: eventType, TenantID: tenantID,
		Since: s.sinceDays(days), Limit: limit,
	})
}

// IntegrationMetrics aggregates lifecycle outcomes over all history.
func (s *Service) IntegrationMetrics(ctx context.Context, tenantID string) (map[string]any, error) {
	sims, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSimulationCompleted, TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}
	merged, err := s.countEvents(ctx, model.EventIntentMerged, tenantID)
	if err != nil {
		return nil, err
	}
	rejected, err := s.countEvents(ctx, model.EventIntentRejected, tenantID)
	if err != nil {
		return nil, err
	}
	blocked, err := s.countEvents(ctx, model.EventIntentBlocked, tenantID)
	if err != nil {
		return nil, err
	}

	mergeable := 0
	for _, e := range sims {
		if model.Bool(e.Payload["mergeable"]) {
			mergeable++
		}
	}
	mergeableRate := 1.0
	if len(sims) > 0 {
		mergeableRate = round3(float64(mergeable) / float64(len(sims)))
	}

	return map[string]any{
		"total_simulations": len(sims),
		"mergeable":         mergeable,
		"mergeable_rate":    mergeableRate,
		"total_merged":      merged,
		"total_rejected":    rejected,
		"total_blocked":     blocked,
		"decision_distribution": map[string]any{
			"merged": merged, "rejected": rejected, "blocked": blocked,
		},
		"tenant_id": tenantID,
		"timestamp": s.now().UTC().Format(model.ISOFormat),
	}, nil
}
