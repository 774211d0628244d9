package projections

import (
	"context"
	"fmt"
	"sort"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func healthStatus(score float64) string {
	switch {
	case score >= 70:
		return "green"
	case score >= 40:
		return "yellow"
	default:
		return "red"
	}
}

// RepoHealth computes repository health from recent events and records
// a snapshot. 100 is perfect, 0 is critical.
func (s *Service) RepoHealth(ctx context.Context, tenantID string, windowHours int) (model.HealthSnapshot, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := s.sinceHours(windowHours)

	sims, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSimulationCompleted, TenantID: tenantID,
		Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	mergeableSims := 0
	for _, e := range sims {
		if model.Bool(e.Payload["mergeable"]) {
			mergeableSims++
		}
	}
	mergeableRate := 1.0
	if len(sims) > 0 {
		mergeableRate = float64(mergeableSims) / float64(len(sims))
	}
	conflictRate := 1.0 - mergeableRate

	merged, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventIntentMerged, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	rejected, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventIntentRejected, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.HealthSnapshot{}, err
	}

	riskEvents, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventRiskEvaluated, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	avgEntropy := 0.0
	if len(riskEvents) > 0 {
		sum := 0.0
		for _, e := range riskEvents {
			sum += model.Float(e.Payload["entropy_score"])
		}
		avgEntropy = sum / float64(len(riskEvents))
	}

	intents, err := s.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	activeCount := 0
	for _, i := range intents {
		switch i.Status {
		case model.StatusReady, model.StatusValidated, model.StatusQueued:
			activeCount++
		}
	}

	score := 100.0
	score -= conflictRate * 30
	score -= minF(avgEntropy, 50) * 0.5
	score -= minF(float64(len(rejected)), 20) * 1.5
	if score < 0 {
		score = 0
	}
	score = round1(score)

	snapshot := model.HealthSnapshot{
		RepoHealthScore: score,
		EntropyScore:    round1(avgEntropy),
		MergeableRate:   round3(mergeableRate),
		ConflictRate:    round3(conflictRate),
		ActiveIntents:   activeCount,
		MergedLast24h:   len(merged),
		RejectedLast24h: len(rejected),
		Status:          healthStatus(score),
		Timestamp:       s.now().UTC().Format(model.ISOFormat),
		TenantID:        tenantID,
		Learning:        deriveHealthLearning(score, mergeableRate, avgEntropy, len(rejected)),
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventHealthSnapshot,
		TenantID:  tenantID,
		Payload:   snapshotPayload(snapshot),
	})
	return snapshot, err
}

func snapshotPayload(h model.HealthSnapshot) map[string]any {
	return map[string]any{
		"repo_health_score": h.RepoHealthScore,
		"entropy_score":     h.EntropyScore,
		"mergeable_rate":    h.MergeableRate,
		"conflict_rate":     h.ConflictRate,
		"active_intents":    h.ActiveIntents,
		"merged_last_24h":   h.MergedLast24h,
		"rejected_last_24h": h.RejectedLast24h,
		"status":            h.Status,
		"timestamp":         h.Timestamp,
		"learning":          h.Learning,
	}
}

// ChangeHealth scores one intent from its recorded risk, simulation,
// and policy events.
func (s *Service) ChangeHealth(ctx context.Context, intentID, tenantID string) (map[string]any, error) {
	latest := func(eventType string) (map[string]any, error) {
		events, err := s.events.Query(ctx, store.EventFilter{
			EventType: eventType, IntentID: intentID, Limit: 1,
		})
		if err != nil || len(events) == 0 {
			return nil, err
		}
		return events[0].Payload, nil
	}

	riskPayload, err := latest(model.EventRiskEvaluated)
	if err != nil {
		return nil, err
	}
	simPayload, err := latest(model.EventSimulationCompleted)
	if err != nil {
		return nil, err
	}
	policyPayload, err := latest(model.EventPolicyEvaluated)
	if err != nil {
		return nil, err
	}

	riskScore := model.Float(riskPayload["risk_score"])
	entropy := model.Float(riskPayload["entropy_score"])
	mergeable := true
	if simPayload != nil {
		mergeable = model.Bool(simPayload["mergeable"])
	}
	verdict := "unknown"
	if policyPayload != nil {
		verdict = model.Str(policyPayload["verdict"])
	}

	score := 100.0 - riskScore*0.5 - entropy*0.3
	if !mergeable {
		score -= 30
	}
	if score < 0 {
		score = 0
	}
	score = round1(score)

	result := map[string]any{
		"intent_id":      intentID,
		"health_score":   score,
		"risk_score":     riskScore,
		"entropy_score":  entropy,
		"mergeable":      mergeable,
		"policy_verdict": verdict,
		"status":         healthStatus(score),
		"timestamp":      s.now().UTC().Format(model.ISOFormat),
		"tenant_id":      tenantID,
		"learning":       deriveChangeLearning(score, riskScore, entropy, mergeable),
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventHealthChangeSnapshot,
		IntentID:  intentID,
		TenantID:  tenantID,
		Payload:   result,
	})
	return result, err
}

// PredictHealth projects health forward from recent snapshots and can
// recommend gating intake before the system actually turns red.
func (s *Service) PredictHealth(ctx context.Context, tenantID string, horizonDays, minSnapshots int) (map[string]any, error) {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	if minSnapshots <= 0 {
		minSnapshots = 3
	}

	snapshots, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventHealthSnapshot, TenantID: tenantID,
		Since: s.sinceDays(horizonDays * 2), Limit: model.QueryLimitMedium,
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(snapshots, func(a, b int) bool {
		return snapshots[a].Timestamp < snapshots[b].Timestamp
	})

	if len(snapshots) < minSnapshots {
		return map[string]any{
			"projected_status": "unknown",
			"confidence":       "low",
			"reason":           fmt.Sprintf("Not enough data (%d snapshots, need %d+)", len(snapshots), minSnapshots),
			"recommendation":   "Collect more health snapshots before prediction is reliable",
			"should_gate":      false,
		}, nil
	}

	scores := make([]float64, len(snapshots))
	entropies := make([]float64, len(snapshots))
	conflictRates := make([]float64, len(snapshots))
	for i, e := range snapshots {
		scores[i] = payloadFloat(e.Payload, "repo_health_score", 100)
		entropies[i] = model.Float(e.Payload["entropy_score"])
		conflictRates[i] = model.Float(e.Payload["conflict_rate"])
	}

	mid := len(scores) / 2
	split := func(xs []float64) (older, recent []float64) {
		if mid == 0 {
			return xs, xs
		}
		return xs[:mid], xs[mid:]
	}
	olderScores, recentScores := split(scores)
	olderEntropy, recentEntropy := split(entropies)
	olderConflict, recentConflict := split(conflictRates)

	avgRecent := safeAvg(recentScores)
	healthVelocity := avgRecent - safeAvg(olderScores)
	avgEntropyRecent := safeAvg(recentEntropy)
	entropyVelocity := avgEntropyRecent - safeAvg(olderEntropy)
	avgConflictRecent := safeAvg(recentConflict)
	conflictVelocity := avgConflictRecent - safeAvg(olderConflict)

	projectedHealth := clamp(avgRecent+healthVelocity, 0, 100)
	projectedStatus := healthStatus(projectedHealth)

	currentHealth := scores[len(scores)-1]
	currentStatus := healthStatus(currentHealth)

	var signals []map[string]any
	shouldGate := false

	if healthVelocity < -5 {
		severity := "medium"
		if healthVelocity < -10 {
			severity = "high"
		}
		signals = append(signals, map[string]any{
			"signal":   "predict.health_falling",
			"message":  fmt.Sprintf("Health declining at %.1f per period (current: %.0f)", healthVelocity, avgRecent),
			"severity": severity,
		})
	}
	if entropyVelocity > 3 {
		severity := "medium"
		if entropyVelocity > 5 {
			severity = "high"
		}
		signals = append(signals, map[string]any{
			"signal":   "predict.entropy_rising",
			"message":  fmt.Sprintf("Entropy rising at +%.1f per period (current: %.1f)", entropyVelocity, avgEntropyRecent),
			"severity": severity,
		})
	}
	if conflictVelocity > 0.05 {
		signals = append(signals, map[string]any{
			"signal":   "predict.conflict_rising",
			"message":  fmt.Sprintf("Conflict rate rising at +%.2f per period (current: %.1f%%)", conflictVelocity, avgConflictRecent*100),
			"severity": "medium",
		})
	}
	if projectedStatus == "red" && currentStatus != "red" {
		shouldGate = true
		signals = append(signals, map[string]any{
			"signal":   "predict.approaching_red",
			"message":  fmt.Sprintf("Current: %s (%.0f), projected: red (%.0f)", currentStatus, currentHealth, projectedHealth),
			"severity": "critical",
		})
	}

	recommendation := "System trajectory is stable"
	if shouldGate {
		recommendation = "Consider pausing new intents — health trajectory indicates degradation"
	}
	confidence := "medium"
	if len(snapshots) >= 7 {
		confidence = "high"
	}

	result := map[string]any{
		"current_status":   currentStatus,
		"current_health":   round1(currentHealth),
		"projected_status": projectedStatus,
		"projected_health": round1(projectedHealth),
		"horizon_days":     horizonDays,
		"velocity": map[string]any{
			"health":        round2(healthVelocity),
			"entropy":       round2(entropyVelocity),
			"conflict_rate": round4(conflictVelocity),
		},
		"signals":        signals,
		"should_gate":    shouldGate,
		"confidence":     confidence,
		"recommendation": recommendation,
		"data_points":    len(snapshots),
		"timestamp":      s.now().UTC().Format(model.ISOFormat),
		"tenant_id":      tenantID,
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventHealthPrediction,
		TenantID:  tenantID,
		Payload:   result,
	})
	return result, err
}

func payloadFloat(p map[string]any, key string, def float64) float64 {
	if _, ok := p[key]; !ok {
		return def
	}
	return model.Float(p[key])
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
