package projections

import (
	"context"
	"sort"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// QueueState derives the current queue view from the intents table.
func (s *Service) QueueState(ctx context.Context, tenantID string) (model.QueueState, error) {
	intents, err := s.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.QueueState{}, err
	}

	byStatus := map[string]int{}
	var pending []map[string]any
	for _, i := range intents {
		byStatus[string(i.Status)]++
		switch i.Status {
		case model.StatusReady, model.StatusValidated, model.StatusQueued:
			pending = append(pending, map[string]any{
				"intent_id": i.ID, "status": string(i.Status),
				"priority": i.Priority, "retries": i.Retries,
			})
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		pa, pb := pending[a]["priority"].(int), pending[b]["priority"].(int)
		if pa != pb {
			return pa < pb
		}
		return pending[a]["intent_id"].(string) < pending[b]["intent_id"].(string)
	})

	return model.QueueState{Pending: pending, Total: len(intents), ByStatus: byStatus}, nil
}

// AgentPerformance computes trust metrics for one agent from its event
// history. Trust grows with successful merges but is capped, so a long
// run of merges cannot buy unlimited credibility.
func (s *Service) AgentPerformance(ctx context.Context, agentID, tenantID string) (map[string]any, error) {
	events, err := s.events.Query(ctx, store.EventFilter{
		AgentID: agentID, TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}

	byType := map[string]int{}
	for _, e := range events {
		byType[e.EventType]++
	}
	merged := byType[model.EventIntentMerged]
	rejected := byType[model.EventIntentRejected]
	blocked := byType[model.EventIntentBlocked]

	successRate := 0.0
	if decisions := merged + rejected + blocked; decisions > 0 {
		successRate = float64(merged) / float64(decisions)
	}
	trust := successRate*100 + float64(min(merged, 50))
	if trust > 100 {
		trust = 100
	}

	return map[string]any{
		"agent_id":       agentID,
		"total_events":   len(events),
		"merged":         merged,
		"rejected":       rejected,
		"blocked":        blocked,
		"success_rate":   round3(successRate),
		"events_by_type": byType,
		"trust_score":    round1(trust),
		"tenant_id":      tenantID,
	}, nil
}
