package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/convergehq/converge/pkg/model"
)

// GateInput carries the measurements the built-in gates evaluate.
type GateInput struct {
	RiskLevel        model.RiskLevel
	ChecksPassed     []string
	EntropyDelta     float64
	ContainmentScore float64
}

// Evaluate runs the three built-in gates plus any configured custom
// gates. ALLOW requires every gate to pass.
func Evaluate(in GateInput, cfg Config) model.PolicyEvaluation {
	profile := cfg.ProfileFor(in.RiskLevel)
	var gates []model.GateResult

	// Gate 1: Verification — required checks for the risk level.
	passed := map[string]bool{}
	for _, c := range in.ChecksPassed {
		passed[c] = true
	}
	var missing []string
	for _, c := range profile.Checks {
		if !passed[c] {
			missing = append(missing, c)
		}
	}
	reason := "All required checks passed"
	if len(missing) > 0 {
		reason = fmt.Sprintf("Missing checks: %v", missing)
	}
	gates = append(gates, model.GateResult{
		Gate:      model.GateVerification,
		Passed:    len(missing) == 0,
		Reason:    reason,
		Value:     float64(len(in.ChecksPassed)),
		Threshold: float64(len(profile.Checks)),
	})

	// Gate 2: Containment.
	gates = append(gates, model.GateResult{
		Gate:   model.GateContainment,
		Passed: in.ContainmentScore >= profile.ContainmentMin,
		Reason: fmt.Sprintf("Containment %.2f vs min %.2f",
			in.ContainmentScore, profile.ContainmentMin),
		Value:     in.ContainmentScore,
		Threshold: profile.ContainmentMin,
	})

	// Gate 3: Entropy.
	gates = append(gates, model.GateResult{
		Gate:   model.GateEntropy,
		Passed: in.EntropyDelta <= profile.EntropyBudget,
		Reason: fmt.Sprintf("Entropy delta %.1f vs budget %.1f",
			in.EntropyDelta, profile.EntropyBudget),
		Value:     in.EntropyDelta,
		Threshold: profile.EntropyBudget,
	})

	gates = append(gates, evaluateCustomGates(cfg.Custom, map[string]any{
		"risk_level":        string(in.RiskLevel),
		"entropy_delta":     in.EntropyDelta,
		"containment_score": in.ContainmentScore,
		"checks_passed":     in.ChecksPassed,
	})...)

	verdict := model.VerdictAllow
	for _, g := range gates {
		if !g.Passed {
			verdict = model.VerdictBlock
			break
		}
	}
	return model.PolicyEvaluation{
		Verdict:     verdict,
		Gates:       gates,
		RiskLevel:   in.RiskLevel,
		ProfileUsed: string(in.RiskLevel),
	}
}

// RolloutBucket maps an intent id into [0.0, 1.0) deterministically, so
// the same intent lands in the same enforcement group across retries.
func RolloutBucket(intentID string) float64 {
	sum := sha256.Sum256([]byte(intentID))
	h := hex.EncodeToString(sum[:])[:model.RolloutHashChars]
	n, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0.0
	}
	return float64(n) / float64(model.RolloutDivisor)
}

// RiskGateInput carries the composite scores for the risk gate.
type RiskGateInput struct {
	IntentID         string
	RiskScore        float64
	DamageScore      float64
	PropagationScore float64
	Thresholds       map[string]float64
	Mode             string // shadow or enforce
	EnforceRatio     float64
}

// RiskGateResult reports the risk gate outcome. In shadow mode
// would_block is advisory; in enforce mode enforcement further depends
// on the intent's rollout bucket.
type RiskGateResult struct {
	WouldBlock         bool             `json:"would_block"`
	Enforced           bool             `json:"enforced"`
	Mode               string           `json:"mode"`
	EnforceRatio       float64          `json:"enforce_ratio"`
	RolloutBucket      float64          `json:"rollout_bucket"`
	InEnforcementGroup bool             `json:"in_enforcement_group"`
	Breaches           []map[string]any `json:"breaches"`
}

// EvaluateRiskGate checks composite scores against thresholds with
// gradual (canary) enforcement.
func EvaluateRiskGate(in RiskGateInput) RiskGateResult {
	t := in.Thresholds
	if t == nil {
		t = model.DefaultRiskThresholds()
	}
	limit := func(key string, def float64) float64 {
		if v, ok := t[key]; ok {
			return v
		}
		return def
	}

	breaches := []map[string]any{}
	if in.RiskScore > limit("max_risk_score", model.MaxRiskScore) {
		breaches = append(breaches, map[string]any{
			"metric": "risk_score", "value": in.RiskScore, "limit": t["max_risk_score"],
		})
	}
	if in.DamageScore > limit("max_damage_score", model.MaxDamageScore) {
		breaches = append(breaches, map[string]any{
			"metric": "damage_score", "value": in.DamageScore, "limit": t["max_damage_score"],
		})
	}
	if in.PropagationScore > limit("max_propagation_score", model.MaxPropagationScore) {
		breaches = append(breaches, map[string]any{
			"metric": "propagation_score", "value": in.PropagationScore, "limit": t["max_propagation_score"],
		})
	}

	wouldBlock := len(breaches) > 0
	bucket := 0.0
	if in.IntentID != "" {
		bucket = RolloutBucket(in.IntentID)
	}
	inGroup := bucket < in.EnforceRatio

	return RiskGateResult{
		WouldBlock:         wouldBlock,
		Enforced:           in.Mode == "enforce" && wouldBlock && inGroup,
		Mode:               in.Mode,
		EnforceRatio:       in.EnforceRatio,
		RolloutBucket:      math.Round(bucket*10000) / 10000,
		InEnforcementGroup: inGroup,
		Breaches:           breaches,
	}
}

// Calibrate recalibrates profile entropy budgets from historical
// entropy scores using quantiles, with per-level floors so budgets never
// collapse on sparse data.
func Calibrate(historical []map[string]float64, base map[model.RiskLevel]model.Profile) map[model.RiskLevel]model.Profile {
	if base == nil {
		base = model.DefaultProfiles()
	}
	profiles := make(map[model.RiskLevel]model.Profile, len(base))
	for k, v := range base {
		profiles[k] = v
	}
	if len(historical) == 0 {
		return profiles
	}

	entropy := make([]float64, 0, len(historical))
	for _, s := range historical {
		entropy = append(entropy, s["entropy_score"])
	}
	sort.Float64s(entropy)
	n := len(entropy)
	p75 := entropy[int(float64(n)*model.CalibP75)]
	p90 := entropy[int(float64(n)*model.CalibP90)]
	p95 := entropy[int(float64(n)*model.CalibP95)]

	set := func(level model.RiskLevel, budget float64) {
		p := profiles[level]
		p.EntropyBudget = math.Round(budget*10) / 10
		profiles[level] = p
	}
	set(model.RiskLow, math.Max(p75*model.CalibLowMult, model.CalibFloorLow))
	set(model.RiskMedium, math.Max(p75, model.CalibFloorMedium))
	set(model.RiskHigh, math.Max(p90, model.CalibFloorHigh))
	set(model.RiskCritical, math.Max(p95*model.CalibCriticalMult, model.CalibFloorCrit))

	return profiles
}
