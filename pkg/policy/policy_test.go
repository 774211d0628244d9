package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/model"
)

func TestEvaluateAllGatesPass(t *testing.T) {
	cfg := DefaultConfig()
	profile := cfg.ProfileFor(model.RiskLow)

	eval := Evaluate(GateInput{
		RiskLevel:        model.RiskLow,
		ChecksPassed:     profile.Checks,
		EntropyDelta:     profile.EntropyBudget - 1,
		ContainmentScore: profile.ContainmentMin + 0.1,
	}, cfg)

	assert.Equal(t, model.VerdictAllow, eval.Verdict)
	for _, g := range eval.Gates {
		assert.True(t, g.Passed, "gate %s: %s", g.Gate, g.Reason)
	}
}

func TestEvaluateMissingChecksBlock(t *testing.T) {
	cfg := DefaultConfig()

	eval := Evaluate(GateInput{
		RiskLevel:        model.RiskHigh,
		ChecksPassed:     nil,
		EntropyDelta:     0,
		ContainmentScore: 1.0,
	}, cfg)

	assert.Equal(t, model.VerdictBlock, eval.Verdict)
	require.NotEmpty(t, eval.Gates)
	assert.Equal(t, model.GateVerification, eval.Gates[0].Gate)
	assert.False(t, eval.Gates[0].Passed)
	assert.Contains(t, eval.Gates[0].Reason, "Missing checks")
}

func TestEvaluateEntropyOverBudgetBlocks(t *testing.T) {
	cfg := DefaultConfig()
	profile := cfg.ProfileFor(model.RiskMedium)

	eval := Evaluate(GateInput{
		RiskLevel:        model.RiskMedium,
		ChecksPassed:     profile.Checks,
		EntropyDelta:     profile.EntropyBudget + 1,
		ContainmentScore: 1.0,
	}, cfg)

	assert.Equal(t, model.VerdictBlock, eval.Verdict)
}

func TestCustomCELGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Custom = []CustomGate{{
		Name:       "no_critical_entropy",
		Expression: `risk_level != "critical" || entropy_delta < 5.0`,
	}}
	profile := cfg.ProfileFor(model.RiskCritical)

	eval := Evaluate(GateInput{
		RiskLevel:        model.RiskCritical,
		ChecksPassed:     profile.Checks,
		EntropyDelta:     profile.EntropyBudget, // within budget but over the custom bound
		ContainmentScore: 1.0,
	}, cfg)

	assert.Equal(t, model.VerdictBlock, eval.Verdict)
	last := eval.Gates[len(eval.Gates)-1]
	assert.Equal(t, model.GateName("no_critical_entropy"), last.Gate)
	assert.False(t, last.Passed)
}

func TestCustomGateCompileErrorFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Custom = []CustomGate{{Name: "broken", Expression: "this is not cel"}}
	profile := cfg.ProfileFor(model.RiskLow)

	eval := Evaluate(GateInput{
		RiskLevel:        model.RiskLow,
		ChecksPassed:     profile.Checks,
		ContainmentScore: 1.0,
	}, cfg)

	assert.Equal(t, model.VerdictBlock, eval.Verdict)
}

func TestRolloutBucketDeterministicAndBounded(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("bucket is stable and in [0,1)", prop.ForAll(
		func(id string) bool {
			b1 := RolloutBucket(id)
			b2 := RolloutBucket(id)
			return b1 == b2 && b1 >= 0.0 && b1 < 1.0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestEvaluateRiskGateShadowNeverEnforces(t *testing.T) {
	res := EvaluateRiskGate(RiskGateInput{
		IntentID:     "int-1",
		RiskScore:    100,
		Mode:         "shadow",
		EnforceRatio: 1.0,
	})
	assert.True(t, res.WouldBlock)
	assert.False(t, res.Enforced)
}

func TestEvaluateRiskGateEnforceWithinRollout(t *testing.T) {
	res := EvaluateRiskGate(RiskGateInput{
		IntentID:     "int-1",
		RiskScore:    100,
		Mode:         "enforce",
		EnforceRatio: 1.0, // everyone is in the enforcement group
	})
	assert.True(t, res.WouldBlock)
	assert.True(t, res.Enforced)
	assert.True(t, res.InEnforcementGroup)

	res = EvaluateRiskGate(RiskGateInput{
		IntentID:     "int-1",
		RiskScore:    100,
		Mode:         "enforce",
		EnforceRatio: 0.0, // nobody is
	})
	assert.True(t, res.WouldBlock)
	assert.False(t, res.Enforced)
}

func TestEvaluateRiskGateCleanScores(t *testing.T) {
	res := EvaluateRiskGate(RiskGateInput{IntentID: "int-1", Mode: "enforce", EnforceRatio: 1})
	assert.False(t, res.WouldBlock)
	assert.Empty(t, res.Breaches)
}

func TestCalibrateEmptyHistoryKeepsBase(t *testing.T) {
	base := model.DefaultProfiles()
	out := Calibrate(nil, base)
	assert.Equal(t, base[model.RiskLow].EntropyBudget, out[model.RiskLow].EntropyBudget)
}

func TestCalibrateOrdersBudgets(t *testing.T) {
	historical := make([]map[string]float64, 0, 100)
	for i := 0; i < 100; i++ {
		historical = append(historical, map[string]float64{"entropy_score": float64(i)})
	}
	out := Calibrate(historical, nil)

	low := out[model.RiskLow].EntropyBudget
	med := out[model.RiskMedium].EntropyBudget
	high := out[model.RiskHigh].EntropyBudget
	crit := out[model.RiskCritical].EntropyBudget
	assert.LessOrEqual(t, low, med)
	assert.LessOrEqual(t, med, high)
	assert.LessOrEqual(t, high, crit)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ProfileFor(model.RiskLow), cfg.ProfileFor(model.RiskLow))
}

func TestLoadConfigOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"profiles": {"low": {"entropy_budget": 99.0}}}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 99.0, cfg.ProfileFor(model.RiskLow).EntropyBudget)
}

func TestLoadConfigRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "2.0.0"}`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside supported range")
}

func TestLoadConfigRejectsSchemaViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"profiles": {"low": {"containment_min": 7}}}`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
