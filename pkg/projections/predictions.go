package projections

import (
	"context"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Detection thresholds for issue prediction.
const (
	conflictRiseDelta    = 0.1
	conflictMinSamples   = 3
	entropySpikeMult     = 1.2
	entropySpikeMin      = 15.0
	queueStallRequeues   = 5
	rejectionRateLimit   = 0.4
	rejectionMinSamples  = 3
	bombPropagationLimit = 40.0
	bombCascadeCount     = 3
	bombSpiralContDrop   = 0.1
	bombSpiralContAbs    = 0.6
	thermalEntropyLimit  = 20.0
	thermalConflictLimit = 0.2
	thermalPropLimit     = 30.0
	bombMinSamples       = 3
)

// PredictIssues scans recent event windows for degradation signals:
// rising conflicts, entropy spikes, queue stalls, rejection storms,
// and aggregate bomb patterns across changes.
func (s *Service) PredictIssues(ctx context.Context, tenantID string) ([]map[string]any, error) {
	since24h := s.sinceHours(24)
	since48h := s.sinceHours(48)

	window := func(eventType, since string) ([]model.Event, error) {
		return s.events.Query(ctx, store.EventFilter{
			EventType: eventType, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
		})
	}

	sims24, err := window(model.EventSimulationCompleted, since24h)
	if err != nil {
		return nil, err
	}
	sims48, err := window(model.EventSimulationCompleted, since48h)
	if err != nil {
		return nil, err
	}
	risk24, err := window(model.EventRiskEvaluated, since24h)
	if err != nil {
		return nil, err
	}
	risk48, err := window(model.EventRiskEvaluated, since48h)
	if err != nil {
		return nil, err
	}

	var simsPrev, riskPrev []model.Event
	for _, e := range sims48 {
		if e.Timestamp < since24h {
			simsPrev = append(simsPrev, e)
		}
	}
	for _, e := range risk48 {
		if e.Timestamp < since24h {
			riskPrev = append(riskPrev, e)
		}
	}

	var signals []map[string]any
	signals = detectRisingConflicts(sims24, simsPrev, signals)
	signals = detectEntropySpike(risk24, riskPrev, signals)
	signals, err = s.detectQueueStalling(ctx, tenantID, since24h, signals)
	if err != nil {
		return nil, err
	}
	signals, err = s.detectHighRejection(ctx, tenantID, since24h, signals)
	if err != nil {
		return nil, err
	}
	signals = detectBombCascade(risk24, signals)
	signals = detectBombSpiral(risk24, riskPrev, signals)
	signals = detectBombThermal(risk24, sims24, signals)

	return signals, nil
}

func conflictRateOf(sims []model.Event) float64 {
	if len(sims) == 0 {
		return 0
	}
	conflicts := 0
	for _, e := range sims {
		if !model.Bool(e.Payload["mergeable"]) {
			conflicts++
		}
	}
	return float64(conflicts) / float64(len(sims))
}

func payloadAvg(events []model.Event, key string, def float64) float64 {
	if len(events) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range events {
		sum += payloadFloat(e.Payload, key, def)
	}
	return sum / float64(len(events))
}

func detectRisingConflicts(sims24, simsPrev []model.Event, out []map[string]any) []map[string]any {
	rateNow := conflictRateOf(sims24)
	ratePrev := conflictRateOf(simsPrev)
	if rateNow > ratePrev+conflictRiseDelta && len(sims24) > conflictMinSamples {
		out = append(out, map[string]any{
			"signal":         "rising_conflict_rate",
			"severity":       "high",
			"message":        fmt.Sprintf("Conflict rate rose from %.0f%% to %.0f%% in last 24h", ratePrev*100, rateNow*100),
			"recommendation": "Consider pausing new intents and resolving current conflicts",
		})
	}
	return out
}

func detectEntropySpike(risk24, riskPrev []model.Event, out []map[string]any) []map[string]any {
	avgNow := payloadAvg(risk24, "entropy_score", 0)
	avgPrev := payloadAvg(riskPrev, "entropy_score", 0)
	if avgNow > avgPrev*entropySpikeMult && avgNow > entropySpikeMin && len(risk24) > conflictMinSamples {
		out = append(out, map[string]any{
			"signal":         "entropy_spike",
			"severity":       "medium",
			"message":        fmt.Sprintf("Average entropy rose from %.1f to %.1f", avgPrev, avgNow),
			"recommendation": "Review recent intents for large or high-risk changes",
		})
	}
	return out
}

func (s *Service) detectQueueStalling(ctx context.Context, tenantID, since string, out []map[string]any) ([]map[string]any, error) {
	requeued, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventIntentRequeued, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}
	if len(requeued) > queueStallRequeues {
		out = append(out, map[string]any{
			"signal":         "queue_stalling",
			"severity":       "high",
			"message":        fmt.Sprintf("%d intents requeued in last 24h", len(requeued)),
			"recommendation": "Check for systemic merge conflicts or failing checks",
		})
	}
	return out, nil
}

func (s *Service) detectHighRejection(ctx context.Context, tenantID, since string, out []map[string]any) ([]map[string]any, error) {
	rejected, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventIntentRejected, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}
	merged, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventIntentMerged, TenantID: tenantID, Since: since, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}
	total := len(rejected) + len(merged)
	if total > rejectionMinSamples && float64(len(rejected))/float64(total) > rejectionRateLimit {
		rate := float64(len(rejected)) / float64(total)
		out = append(out, map[string]any{
			"signal":         "high_rejection_rate",
			"severity":       "critical",
			"message":        fmt.Sprintf("%d/%d intents rejected in last 24h (%.0f%%)", len(rejected), total, rate*100),
			"recommendation": "Review policy thresholds or source branch quality",
		})
	}
	return out, nil
}

func detectBombCascade(risk24 []model.Event, out []map[string]any) []map[string]any {
	if len(risk24) == 0 {
		return out
	}
	highProp := 0
	for _, e := range risk24 {
		if model.Float(e.Payload["propagation_score"]) > bombPropagationLimit {
			highProp++
		}
	}
	if highProp >= bombCascadeCount {
		out = append(out, map[string]any{
			"signal":         "bomb.cascade",
			"severity":       "high",
			"message":        fmt.Sprintf("%d/%d recent changes have high propagation scores (>40)", highProp, len(risk24)),
			"recommendation": "Multiple high-blast-radius changes detected — risk of cascade failures",
		})
	}
	return out
}

func detectBombSpiral(risk24, riskPrev []model.Event, out []map[string]any) []map[string]any {
	if len(risk24) < bombMinSamples || len(riskPrev) < bombMinSamples {
		return out
	}
	contNow := payloadAvg(risk24, "containment_score", 1.0)
	contPrev := payloadAvg(riskPrev, "containment_score", 1.0)
	if contNow < contPrev-bombSpiralContDrop && contNow < bombSpiralContAbs {
		out = append(out, map[string]any{
			"signal":         "bomb.spiral",
			"severity":       "medium",
			"message":        fmt.Sprintf("Containment dropping from %.2f to %.2f — changes becoming less isolated", contPrev, contNow),
			"recommendation": "Increasing cross-boundary coupling detected — enforce scope limits",
		})
	}
	return out
}

func detectBombThermal(risk24, sims24 []model.Event, out []map[string]any) []map[string]any {
	if len(risk24) == 0 || len(sims24) == 0 {
		return out
	}
	avgEntropy := payloadAvg(risk24, "entropy_score", 0)
	conflictRate := conflictRateOf(sims24)
	avgProp := payloadAvg(risk24, "propagation_score", 0)
	if avgEntropy > thermalEntropyLimit && conflictRate > thermalConflictLimit && avgProp > thermalPropLimit {
		out = append(out, map[string]any{
			"signal":   "bomb.thermal_death",
			"severity": "critical",
			"message": fmt.Sprintf("System under thermal stress: entropy=%.1f, conflict_rate=%.0f%%, propagation elevated",
				avgEntropy, conflictRate*100),
			"recommendation": "Halt new intents — system entropy is approaching critical levels",
		})
	}
	return out
}
