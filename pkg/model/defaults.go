package model

// Shared constants and configuration defaults. Every threshold that
// appears in more than one package is defined here; genuinely local
// constants stay with their package.

// Query limits.
const (
	QueryLimitSmall     = 200    // paginated list endpoints
	QueryLimitMedium    = 500    // analytics and summary aggregations
	QueryLimitLarge     = 10000  // projections that need the full dataset
	QueryLimitUnbounded = 100000 // audit chain, full reindex
)

// Queue processing.
const (
	MaxRetries          = 3
	DefaultTargetBranch = "main"
	DefaultPriority     = 3
	QueueLockTTLSeconds = 300
)

// Rollout hashing for gradual policy enforcement.
const (
	RolloutHashChars = 8
	RolloutDivisor   = 0xFFFFFFFF
)

// Check execution.
const (
	CheckTimeoutSeconds  = 300
	CheckOutputLimit     = 2000
	ConflictDisplayLimit = 5
)

// ReviewSLAHours maps risk level to the review deadline in hours.
var ReviewSLAHours = map[RiskLevel]int{
	RiskLow:      72,
	RiskMedium:   48,
	RiskHigh:     24,
	RiskCritical: 8,
}

// Intake thresholds.
const (
	IntakePauseBelowHealth    = 30.0
	IntakeThrottleBelowHealth = 60.0
	IntakeThrottleRatio       = 0.5
)

// Risk gate thresholds.
const (
	MaxRiskScore        = 65.0
	MaxDamageScore      = 60.0
	MaxPropagationScore = 55.0
)

// Calibration constants.
const (
	CalibP75          = 0.75
	CalibP90          = 0.90
	CalibP95          = 0.95
	CalibLowMult      = 1.5
	CalibCriticalMult = 0.8
	CalibFloorLow     = 10.0
	CalibFloorMedium  = 8.0
	CalibFloorHigh    = 5.0
	CalibFloorCrit    = 3.0
)

// RiskClassificationThresholds maps a composite risk score to a level.
// A score is classified at the highest level whose threshold it meets.
var RiskClassificationThresholds = []struct {
	Level     RiskLevel
	Threshold float64
}{
	{RiskCritical, 75.0},
	{RiskHigh, 50.0},
	{RiskMedium, 25.0},
	{RiskLow, 0.0},
}

// ClassifyRisk maps a composite risk score onto a risk level.
func ClassifyRisk(score float64) RiskLevel {
	for _, t := range RiskClassificationThresholds {
		if score >= t.Threshold {
			return t.Level
		}
	}
	return RiskLow
}

// SecurityGateDefaults caps findings per risk level.
var SecurityGateDefaults = map[RiskLevel]struct{ MaxCritical, MaxHigh int }{
	RiskLow:      {0, 5},
	RiskMedium:   {0, 2},
	RiskHigh:     {0, 0},
	RiskCritical: {0, 0},
}

// Profile is a per-risk-level policy budget.
type Profile struct {
	EntropyBudget  float64  `json:"entropy_budget"`
	ContainmentMin float64  `json:"containment_min"`
	BlastLimit     float64  `json:"blast_limit"`
	Checks         []string `json:"checks"`
}

// DefaultProfiles returns the embedded policy profiles, overridable via
// the policy config file.
func DefaultProfiles() map[RiskLevel]Profile {
	return map[RiskLevel]Profile{
		RiskLow:      {EntropyBudget: 25.0, ContainmentMin: 0.3, BlastLimit: 50.0, Checks: []string{"lint"}},
		RiskMedium:   {EntropyBudget: 18.0, ContainmentMin: 0.5, BlastLimit: 35.0, Checks: []string{"lint"}},
		RiskHigh:     {EntropyBudget: 12.0, ContainmentMin: 0.7, BlastLimit: 20.0, Checks: []string{"lint", "unit_tests"}},
		RiskCritical: {EntropyBudget: 6.0, ContainmentMin: 0.85, BlastLimit: 10.0, Checks: []string{"lint", "unit_tests"}},
	}
}

// DefaultRiskThresholds returns the composite-score gate limits.
func DefaultRiskThresholds() map[string]float64 {
	return map[string]float64{
		"max_risk_score":        MaxRiskScore,
		"max_damage_score":      MaxDamageScore,
		"max_propagation_score": MaxPropagationScore,
	}
}

// DefaultComplianceThresholds returns the SLO limits for compliance
// reporting.
func DefaultComplianceThresholds() map[string]float64 {
	return map[string]float64{
		"min_mergeable_rate": 0.80,
		"max_conflict_rate":  0.20,
		"max_retries_total":  200,
		"max_queue_tracked":  1000,
	}
}
