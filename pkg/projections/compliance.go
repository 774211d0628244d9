package projections

import (
	"context"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// ComplianceReport evaluates SLO/KPIs from event history. Tenant
// overrides stored in the database take precedence over defaults.
func (s *Service) ComplianceReport(ctx context.Context, tenantID string) (model.ComplianceReport, error) {
	thresholds := model.DefaultComplianceThresholds()
	if tenantID != "" {
		stored, found, err := s.events.Store().GetComplianceThresholds(ctx, tenantID)
		if err != nil {
			return model.ComplianceReport{}, err
		}
		if found {
			for k, v := range stored {
				thresholds[k] = v
			}
		}
	}

	sims, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSimulationCompleted, TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.ComplianceReport{}, err
	}
	total := len(sims)
	mergeable := 0
	for _, e := range sims {
		if model.Bool(e.Payload["mergeable"]) {
			mergeable++
		}
	}
	mergeableRate := 1.0
	if total > 0 {
		mergeableRate = float64(mergeable) / float64(total)
	}
	conflictRate := 1.0 - mergeableRate

	resets, err := s.countEvents(ctx, model.EventQueueReset, tenantID)
	if err != nil {
		return model.ComplianceReport{}, err
	}
	requeues, err := s.countEvents(ctx, model.EventIntentRequeued, tenantID)
	if err != nil {
		return model.ComplianceReport{}, err
	}
	retriesTotal := resets + requeues

	intents, err := s.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return model.ComplianceReport{}, err
	}
	queueTracked := len(intents)

	var checks, alerts []map[string]any
	check := func(name string, value float64, op string, threshold float64) {
		passed := value <= threshold
		if op == ">=" {
			passed = value >= threshold
		}
		entry := map[string]any{
			"name": name, "value": value, "threshold": threshold, "op": op, "passed": passed,
		}
		checks = append(checks, entry)
		if !passed {
			alert := map[string]any{"alert": fmt.Sprintf("SLO breach: %s", name)}
			for k, v := range entry {
				alert[k] = v
			}
			alerts = append(alerts, alert)
		}
	}

	check("mergeable_rate", round3(mergeableRate), ">=", thresholds["min_mergeable_rate"])
	check("conflict_rate", round3(conflictRate), "<=", thresholds["max_conflict_rate"])
	check("retries_total", float64(retriesTotal), "<=", thresholds["max_retries_total"])
	check("queue_tracked", float64(queueTracked), "<=", thresholds["max_queue_tracked"])

	passed := true
	for _, c := range checks {
		if !c["passed"].(bool) {
			passed = false
			break
		}
	}

	return model.ComplianceReport{
		MergeableRate: round3(mergeableRate),
		ConflictRate:  round3(conflictRate),
		RetriesTotal:  retriesTotal,
		QueueTracked:  queueTracked,
		Checks:        checks,
		Passed:        passed,
		Alerts:        alerts,
		Timestamp:     s.now().UTC().Format(model.ISOFormat),
		TenantID:      tenantID,
	}, nil
}

// CompliancePassed is the boolean view agent authorization consumes.
func (s *Service) CompliancePassed(ctx context.Context, tenantID string) (bool, error) {
	report, err := s.ComplianceReport(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return report.Passed, nil
}

func (s *Service) countEvents(ctx context.Context, eventType, tenantID string) (int, error) {
	events, err := s.events.Query(ctx, store.EventFilter{
		EventType: eventType, TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
