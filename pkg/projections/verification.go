package projections

import (
	"context"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Debt factor weights, summing to 100.
const (
	debtWeightStaleness     = 25.0
	debtWeightQueuePressure = 20.0
	debtWeightReviewBacklog = 25.0
	debtWeightConflict      = 15.0
	debtWeightRetry         = 15.0
)

// Default debt thresholds.
const (
	debtStaleHours     = 24
	debtQueueCapacity  = 50
	debtReviewCapacity = 10
)

// DebtSnapshot quantifies accumulated verification debt (0-100).
type DebtSnapshot struct {
	DebtScore             float64        `json:"debt_score"`
	StalenessScore        float64        `json:"staleness_score"`
	QueuePressureScore    float64        `json:"queue_pressure_score"`
	ReviewBacklogScore    float64        `json:"review_backlog_score"`
	ConflictPressureScore float64        `json:"conflict_pressure_score"`
	RetryPressureScore    float64        `json:"retry_pressure_score"`
	Breakdown             map[string]any `json:"breakdown"`
	Status                string         `json:"status"`
	Timestamp             string         `json:"timestamp"`
	TenantID              string         `json:"tenant_id,omitempty"`
}

func debtStatus(score float64) string {
	switch {
	case score <= 30:
		return "green"
	case score <= 70:
		return "yellow"
	default:
		return "red"
	}
}

// VerificationDebt composes five weighted pressure factors: staleness,
// queue depth, review backlog, conflicts, and retries.
func (s *Service) VerificationDebt(ctx context.Context, tenantID string) (DebtSnapshot, error) {
	intents, err := s.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return DebtSnapshot{}, err
	}
	var active []model.Intent
	for _, i := range intents {
		switch i.Status {
		case model.StatusReady, model.StatusValidated, model.StatusQueued:
			active = append(active, i)
		}
	}
	activeCount := len(active)

	staleThreshold := s.sinceHours(debtStaleHours)
	staleCount := 0
	retryCount := 0
	for _, i := range active {
		if i.CreatedAt < staleThreshold {
			staleCount++
		}
		if i.Retries > 0 {
			retryCount++
		}
	}
	stalenessRatio := 0.0
	retryRatio := 0.0
	if activeCount > 0 {
		stalenessRatio = float64(staleCount) / float64(activeCount)
		retryRatio = float64(retryCount) / float64(activeCount)
	}
	stalenessScore := minF(1.0, stalenessRatio) * debtWeightStaleness
	retryScore := retryRatio * debtWeightRetry

	queueRatio := minF(1.0, float64(activeCount)/debtQueueCapacity)
	queueScore := queueRatio * debtWeightQueuePressure

	reviewCount := 0
	for _, status := range []string{model.ReviewPending, model.ReviewAssigned} {
		tasks, rerr := s.events.Store().ListReviewTasks(ctx, store.ReviewFilter{
			Status: status, TenantID: tenantID, Limit: model.QueryLimitLarge,
		})
		if rerr != nil {
			return DebtSnapshot{}, rerr
		}
		reviewCount += len(tasks)
	}
	reviewRatio := minF(1.0, float64(reviewCount)/debtReviewCapacity)
	reviewScore := reviewRatio * debtWeightReviewBacklog

	since24h := s.sinceHours(24)
	sims, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSimulationCompleted, TenantID: tenantID,
		Since: since24h, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return DebtSnapshot{}, err
	}
	conflictCount := 0
	for _, e := range sims {
		if !model.Bool(e.Payload["mergeable"]) {
			conflictCount++
		}
	}
	mergeConflictRate := 0.0
	if len(sims) > 0 {
		mergeConflictRate = float64(conflictCount) / float64(len(sims))
	}

	// Semantic (inter-origin) conflicts add pressure: 10+ open ones
	// count as full semantic load.
	semanticConflicts, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSemanticConflictDetected, TenantID: tenantID,
		Since: since24h, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return DebtSnapshot{}, err
	}
	semanticRate := minF(1.0, float64(len(semanticConflicts))/10.0)
	conflictRate := mergeConflictRate*0.7 + semanticRate*0.3
	conflictScore := conflictRate * debtWeightConflict

	debtScore := round1(stalenessScore + queueScore + reviewScore + conflictScore + retryScore)

	snapshot := DebtSnapshot{
		DebtScore:             debtScore,
		StalenessScore:        round1(stalenessScore),
		QueuePressureScore:    round1(queueScore),
		ReviewBacklogScore:    round1(reviewScore),
		ConflictPressureScore: round1(conflictScore),
		RetryPressureScore:    round1(retryScore),
		Breakdown: map[string]any{
			"stale_intents":         staleCount,
			"active_intents":        activeCount,
			"stale_hours_threshold": debtStaleHours,
			"queue_capacity":        debtQueueCapacity,
			"pending_reviews":       reviewCount,
			"review_capacity":       debtReviewCapacity,
			"conflict_rate":         round3(conflictRate),
			"retry_intents":         retryCount,
		},
		Status:    debtStatus(debtScore),
		Timestamp: s.now().UTC().Format(model.ISOFormat),
		TenantID:  tenantID,
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventVerificationDebtSnapshot,
		TenantID:  tenantID,
		Payload: map[string]any{
			"debt_score":              snapshot.DebtScore,
			"staleness_score":         snapshot.StalenessScore,
			"queue_pressure_score":    snapshot.QueuePressureScore,
			"review_backlog_score":    snapshot.ReviewBacklogScore,
			"conflict_pressure_score": snapshot.ConflictPressureScore,
			"retry_pressure_score":    snapshot.RetryPressureScore,
			"breakdown":               snapshot.Breakdown,
			"status":                  snapshot.Status,
		},
	})
	return snapshot, err
}
