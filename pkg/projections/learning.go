package projections

import (
	"fmt"
	"sort"
)

// lesson packages an observation an agent can act on: what drifted,
// why it matters, and the concrete next step.
func lesson(code, title, why, action string, priority int, metric string, observed, target float64) map[string]any {
	return map[string]any{
		"code":     code,
		"title":    title,
		"why":      why,
		"action":   action,
		"priority": priority,
		"metric": map[string]any{
			"name": metric, "observed": round3(observed), "target": round3(target),
		},
	}
}

func healthLevel(score float64) string {
	switch {
	case score >= 70:
		return "strong"
	case score >= 40:
		return "acceptable"
	default:
		return "fragile"
	}
}

func finishLearning(summary, level string, lessons []map[string]any) map[string]any {
	sort.SliceStable(lessons, func(a, b int) bool {
		return lessons[a]["priority"].(int) < lessons[b]["priority"].(int)
	})
	var nextActions []string
	for i, l := range lessons {
		if i == 3 {
			break
		}
		nextActions = append(nextActions, l["action"].(string))
	}
	return map[string]any{
		"summary": summary, "level": level, "lessons": lessons, "next_actions": nextActions,
	}
}

func deriveHealthLearning(healthScore, mergeableRate, avgEntropy float64, rejectedCount int) map[string]any {
	level := healthLevel(healthScore)
	var lessons []map[string]any

	if mergeableRate < 0.85 {
		priority := 2
		if mergeableRate < 0.7 {
			priority = 1
		}
		lessons = append(lessons, lesson(
			"learn.low_mergeable", "Low mergeable rate",
			"A low rate increases friction and integration queue backlog",
			"Reduce average change size and enforce pre-merge checks",
			priority, "mergeable_rate", mergeableRate, 0.85))
	}
	if avgEntropy > 15 {
		priority := 2
		if avgEntropy > 30 {
			priority = 1
		}
		lessons = append(lessons, lesson(
			"learn.high_entropy", "Elevated entropy",
			"High average entropy indicates large or complex changes entering the system",
			"Split large intents into smaller focused changes",
			priority, "avg_entropy", avgEntropy, 15.0))
	}
	if rejectedCount > 3 {
		lessons = append(lessons, lesson(
			"learn.frequent_rejections", "Frequent rejections",
			"Multiple rejections indicate systemic issues with source branch quality or policy fit",
			"Review policy thresholds and source branch preparation workflows",
			1, "rejected_count", float64(rejectedCount), 3.0))
	}
	if healthScore < 70 {
		lessons = append(lessons, lesson(
			"learn.health_below_target", "Health below target",
			"Overall repo health has degraded below the safe threshold",
			"Prioritize resolving conflicts, reducing entropy, and clearing the queue",
			0, "health_score", healthScore, 70.0))
	}

	summary := fmt.Sprintf("Repo health is %s (score: %.0f)", level, healthScore)
	return finishLearning(summary, level, lessons)
}

func deriveChangeLearning(healthScore, riskScore, entropy float64, mergeable bool) map[string]any {
	var lessons []map[string]any

	if !mergeable {
		lessons = append(lessons, lesson(
			"learn.conflict", "Merge conflict present",
			"Source branch has conflicts with target — cannot merge cleanly",
			"Rebase or resolve conflicts before retrying",
			0, "mergeable", 0.0, 1.0))
	}
	if riskScore > 40 {
		priority := 2
		if riskScore > 60 {
			priority = 1
		}
		lessons = append(lessons, lesson(
			"learn.high_risk", "Elevated risk score",
			"Risk score exceeds safe threshold — multiple risk signals contributing",
			"Consider splitting into smaller changes or adding test coverage",
			priority, "risk_score", riskScore, 40.0))
	}
	if entropy > 20 {
		priority := 2
		if entropy > 40 {
			priority = 1
		}
		lessons = append(lessons, lesson(
			"learn.change_entropy", "High change entropy",
			"Entropic load indicates a complex or wide-reaching change",
			"Reduce scope or break into incremental, independently-mergeable changes",
			priority, "entropy_score", entropy, 20.0))
	}

	level := healthLevel(healthScore)
	summary := fmt.Sprintf("Change health: %s (%.0f)", level, healthScore)
	return finishLearning(summary, level, lessons)
}
