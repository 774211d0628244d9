package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/convergehq/converge/pkg/model"
)

// Composite weights over the four signals.
const (
	wEntropic   = 0.30
	wContextual = 0.25
	wComplexity = 0.20
	wPathDep    = 0.25

	dmgContextual = 0.5
	dmgEntropic   = 0.3
	dmgPathDep    = 0.2
)

// Finding thresholds.
const (
	findingLargeChange = 15
	findingDepSpread   = 3
)

var severityOrder = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

// Evaluate runs the full risk assessment: graph construction, the four
// signals, bomb detection, and the composite scores.
func Evaluate(intent model.Intent, sim model.Simulation, coupling []Coupling) model.RiskEval {
	g := BuildDependencyGraph(intent, sim, coupling)
	gm := GraphMetrics(g)

	el := EntropicLoad(intent, sim, g)
	cv := ContextualValue(intent, sim, g)
	cd := ComplexityDelta(intent, sim, g)
	pd := PathDependence(intent, sim, g)

	findings := AnalyzeFindings(intent, sim)
	edges := BuildImpactEdges(intent, sim)
	prop := PropagationScore(g, edges)
	cont := ContainmentScore(intent, g, edges)
	bombs := DetectBombs(intent, sim, g)

	riskScore := math.Min(100.0, round1(el*wEntropic+cv*wContextual+cd*wComplexity+pd*wPathDep))
	damageScore := math.Min(100.0, round1(cv*dmgContextual+el*dmgEntropic+pd*dmgPathDep))

	return model.RiskEval{
		IntentID:         intent.ID,
		RiskScore:        riskScore,
		DamageScore:      damageScore,
		EntropyScore:     el, // entropic load is the entropy signal
		PropagationScore: prop,
		ContainmentScore: cont,
		EntropicLoad:     el,
		ContextualValue:  cv,
		ComplexityDelta:  cd,
		PathDependence:   pd,
		Findings:         findings,
		ImpactEdges:      edges,
		GraphMetrics:     gm,
		Bombs:            bombs,
		Timestamp:        model.NowISO(),
		TenantID:         intent.TenantID,
	}
}

// AnalyzeFindings generates specific findings from the change surface.
func AnalyzeFindings(intent model.Intent, sim model.Simulation) []map[string]any {
	findings := []map[string]any{}
	filesCount := len(sim.FilesChanged)
	depsCount := len(intent.Dependencies)
	conflictCount := len(sim.Conflicts)

	if filesCount > findingLargeChange {
		findings = append(findings, map[string]any{
			"code": "semantic.large_change", "severity": "high",
			"message": fmt.Sprintf("Change touches %d files", filesCount),
		})
	}
	if depsCount > findingDepSpread {
		findings = append(findings, map[string]any{
			"code": "semantic.dependency_spread", "severity": "medium",
			"message": fmt.Sprintf("Depends on %d other intents", depsCount),
		})
	}
	if coreTargets[intent.Target] {
		findings = append(findings, map[string]any{
			"code": "semantic.core_target", "severity": "high",
			"message": fmt.Sprintf("Targets core branch: %s", intent.Target),
		})
	}
	if conflictCount > 0 {
		findings = append(findings, map[string]any{
			"code": "semantic.merge_conflict", "severity": "critical",
			"message": fmt.Sprintf("%d merge conflict(s) detected", conflictCount),
		})
	}
	return findings
}

// Diagnostic thresholds.
const (
	diagRiskHigh        = 60.0
	diagRiskCritical    = 80.0
	diagEntropyMed      = 20.0
	diagEntropyHigh     = 40.0
	diagPropagation     = 40.0
	diagContainment     = 0.4
	diagEntropicLoad    = 50.0
	diagContextualValue = 60.0
	diagPathDep         = 40.0
)

var bombRecommendations = map[string]string{
	"cascade":       "Split change to avoid touching high-centrality files simultaneously",
	"spiral":        "Break circular dependencies before merging",
	"thermal_death": "System is under stress — reduce change scope immediately",
}

type thresholdDiag struct {
	value       float64
	over        bool // true: trigger when value > threshold; false: when value < threshold
	threshold   float64
	code        string
	severity    string
	explanation string
	rec         string
	escAt       float64 // 0 = no escalation
	escSeverity string
}

// BuildDiagnostics renders the risk evaluation into reviewer-facing
// diagnostics, most severe first.
func BuildDiagnostics(re model.RiskEval, sim model.Simulation) []map[string]any {
	rules := []thresholdDiag{
		{re.RiskScore, true, diagRiskHigh, "diag.high_risk", "high",
			fmt.Sprintf("Combined risk score %.0f exceeds safe threshold", re.RiskScore),
			"Split this change into smaller, independent intents",
			diagRiskCritical, "critical"},
		{re.EntropyScore, true, diagEntropyMed, "diag.high_entropy", "medium",
			fmt.Sprintf("Entropy score %.0f indicates high disorder", re.EntropyScore),
			"Reduce file count or dependencies before merging",
			diagEntropyHigh, "high"},
		{re.PropagationScore, true, diagPropagation, "diag.high_propagation", "high",
			fmt.Sprintf("Change propagation score %.0f indicates wide blast radius", re.PropagationScore),
			"Review impact graph and consider narrowing scope", 0, ""},
		{re.ContainmentScore, false, diagContainment, "diag.low_containment", "medium",
			fmt.Sprintf("Containment %.2f is below acceptable levels", re.ContainmentScore),
			"Add scope hints or reduce cross-boundary dependencies", 0, ""},
		{re.EntropicLoad, true, diagEntropicLoad, "diag.high_entropic_load", "high",
			fmt.Sprintf("Entropic load %.0f indicates high disorder introduction", re.EntropicLoad),
			"Reduce the number of files, directories, or dependencies touched", 0, ""},
		{re.ContextualValue, true, diagContextualValue, "diag.high_contextual_value", "high",
			fmt.Sprintf("Change touches critical files (contextual value: %.0f)", re.ContextualValue),
			"Ensure thorough review — these files have high centrality in the codebase", 0, ""},
		{re.PathDependence, true, diagPathDep, "diag.path_dependent", "medium",
			fmt.Sprintf("Path dependence %.0f: merge order matters", re.PathDependence),
			"Coordinate merge timing with related intents", 0, ""},
	}

	diags := []map[string]any{}
	for _, r := range rules {
		triggered := r.value > r.threshold
		if !r.over {
			triggered = r.value < r.threshold
		}
		if !triggered {
			continue
		}
		severity := r.severity
		if r.escAt != 0 {
			escalated := r.value > r.escAt
			if !r.over {
				escalated = r.value < r.escAt
			}
			if escalated {
				severity = r.escSeverity
			}
		}
		diags = append(diags, map[string]any{
			"severity":       severity,
			"code":           r.code,
			"explanation":    r.explanation,
			"recommendation": r.rec,
		})
	}

	if !sim.Mergeable {
		shown := sim.Conflicts
		if len(shown) > model.ConflictDisplayLimit {
			shown = shown[:model.ConflictDisplayLimit]
		}
		diags = append(diags, map[string]any{
			"severity": "critical",
			"code":     "diag.merge_conflict",
			"explanation": fmt.Sprintf("Merge has %d conflict(s): %s",
				len(sim.Conflicts), strings.Join(shown, ", ")),
			"recommendation": "Resolve conflicts in source branch before retrying",
		})
	}

	for _, bomb := range re.Bombs {
		rec, ok := bombRecommendations[bomb.Type]
		if !ok {
			rec = "Review and reduce change scope"
		}
		diags = append(diags, map[string]any{
			"severity":       bomb.Severity,
			"code":           "diag.bomb." + bomb.Type,
			"explanation":    bomb.Message,
			"recommendation": rec,
		})
	}

	for _, finding := range re.Findings {
		sev := model.Str(finding["severity"])
		if sev == "" {
			sev = "medium"
		}
		code := model.Str(finding["code"])
		if code == "" {
			code = "diag.finding"
		}
		diags = append(diags, map[string]any{
			"severity":       sev,
			"code":           code,
			"explanation":    model.Str(finding["message"]),
			"recommendation": "",
		})
	}

	sort.SliceStable(diags, func(i, j int) bool {
		si, ok := severityOrder[model.Str(diags[i]["severity"])]
		if !ok {
			si = 3
		}
		sj, ok := severityOrder[model.Str(diags[j]["severity"])]
		if !ok {
			sj = 3
		}
		return si < sj
	})
	return diags
}
