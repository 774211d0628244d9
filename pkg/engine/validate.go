package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/risk"
)

// ValidateOpts tune a validation run.
type ValidateOpts struct {
	Sim               *model.Simulation // pre-computed simulation, if any
	UseLastSimulation bool
	SkipChecks        bool
}

// ValidateIntent runs the full validation: simulate, check, evaluate
// risk, evaluate policy, risk gate. This is where invariant 1 lives:
// mergeable(i, t) = can_merge(M(t), Δi) ∧ checks_pass.
func (e *Engine) ValidateIntent(ctx context.Context, intent model.Intent, opts ValidateOpts) (Decision, error) {
	trace := traceID()

	// Step 1: resolve or run simulation.
	sim, blocked, err := e.resolveSimulation(ctx, intent, opts, trace)
	if err != nil {
		return Decision{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	// Step 2: execute checks.
	checksPassed, blocked, err := e.runValidationChecks(ctx, intent, opts, sim, trace)
	if err != nil {
		return Decision{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	// Step 3: evaluate risk. Informational, never blocks.
	riskEval, err := e.evaluateRiskStep(ctx, intent, sim, trace)
	if err != nil {
		return Decision{}, err
	}

	// Step 4: the three policy gates.
	policyEval, blocked, err := e.evaluatePolicyStep(ctx, intent, checksPassed, riskEval, sim, trace)
	if err != nil {
		return Decision{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	// Step 5: risk gate with gradual rollout.
	riskGate, blocked, err := e.evaluateRiskGateStep(ctx, intent, riskEval, policyEval, sim, trace)
	if err != nil {
		return Decision{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	// Step 6: mark VALIDATED and respond.
	return e.finalizeValidation(ctx, intent, sim, riskEval, policyEval, riskGate, trace)
}

func (e *Engine) resolveSimulation(ctx context.Context, intent model.Intent, opts ValidateOpts, trace string) (model.Simulation, *Decision, error) {
	var sim model.Simulation
	switch {
	case opts.Sim != nil:
		sim = *opts.Sim
	case opts.UseLastSimulation:
		last, ok, err := e.SimulateFromLast(ctx, intent.ID)
		if err != nil {
			return model.Simulation{}, nil, err
		}
		if !ok {
			d, err := e.block(ctx, intent, "No previous simulation found", trace, nil, nil, nil)
			return model.Simulation{}, &d, err
		}
		sim = last
	default:
		var err error
		sim, err = e.Simulate(ctx, intent.Source, intent.Target, intent.ID, intent.TenantID, trace)
		if err != nil {
			return model.Simulation{}, nil, err
		}
	}

	if !sim.Mergeable {
		shown := sim.Conflicts
		if len(shown) > model.ConflictDisplayLimit {
			shown = shown[:model.ConflictDisplayLimit]
		}
		d, err := e.block(ctx, intent,
			fmt.Sprintf("Merge conflicts: %s", strings.Join(shown, ", ")),
			trace, &sim, nil, nil)
		return model.Simulation{}, &d, err
	}
	return sim, nil, nil
}

func (e *Engine) runValidationChecks(ctx context.Context, intent model.Intent, opts ValidateOpts, sim model.Simulation, trace string) ([]string, *Decision, error) {
	required := e.ChecksForRiskLevel(intent.RiskLevel)
	if opts.SkipChecks {
		return required, nil, nil
	}

	results, err := e.RunChecks(ctx, required, intent.ID, intent.TenantID, trace)
	if err != nil {
		return nil, nil, err
	}
	var passed, failed []string
	for _, r := range results {
		if r.Passed {
			passed = append(passed, r.CheckType)
		} else {
			failed = append(failed, r.CheckType)
		}
	}
	if len(failed) > 0 {
		d, err := e.block(ctx, intent,
			fmt.Sprintf("Checks failed: %v", failed), trace, &sim, nil, nil)
		return nil, &d, err
	}
	return passed, nil, nil
}

func (e *Engine) evaluateRiskStep(ctx context.Context, intent model.Intent, sim model.Simulation, trace string) (model.RiskEval, error) {
	var coupling []risk.Coupling
	if e.coupling != nil {
		coupling = e.coupling(ctx)
	}
	riskEval := risk.Evaluate(intent, sim, coupling)

	bombTypes := make([]string, 0, len(riskEval.Bombs))
	for _, b := range riskEval.Bombs {
		bombTypes = append(bombTypes, b.Type)
	}
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventRiskEvaluated,
		TraceID:   trace,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload:   riskEval.ToPayload(),
		Evidence: map[string]any{
			"risk_score":   riskEval.RiskScore,
			"damage_score": riskEval.DamageScore,
			"signals":      riskEval.Signals(),
			"bombs":        bombTypes,
			"trace_id":     trace,
		},
	})
	if err != nil {
		return model.RiskEval{}, err
	}
	if e.flags != nil && e.flags.IsEnabled("risk_auto_classify") {
		if err := e.reclassifyRisk(ctx, intent, riskEval, trace); err != nil {
			return model.RiskEval{}, err
		}
	}
	return riskEval, nil
}

// reclassifyRisk moves the intent to the level its composite score maps
// to. The new level takes effect from the next validation cycle; the
// current pass keeps the profile it started with.
func (e *Engine) reclassifyRisk(ctx context.Context, intent model.Intent, riskEval model.RiskEval, trace string) error {
	level := model.ClassifyRisk(riskEval.RiskScore)
	if level == intent.RiskLevel {
		return nil
	}
	if err := e.events.Store().UpdateIntentRiskLevel(ctx, intent.ID, level); err != nil {
		return err
	}
	e.logger.Info("risk level reclassified",
		"intent_id", intent.ID, "from", intent.RiskLevel, "to", level)
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventRiskReclassified,
		TraceID:   trace,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"from":       string(intent.RiskLevel),
			"to":         string(level),
			"risk_score": riskEval.RiskScore,
			"trace_id":   trace,
		},
		Evidence: map[string]any{"risk_score": riskEval.RiskScore},
	})
	return err
}

func gatesPayload(eval model.PolicyEvaluation, full bool) []map[string]any {
	out := make([]map[string]any, 0, len(eval.Gates))
	for _, g := range eval.Gates {
		entry := map[string]any{"gate": string(g.Gate), "passed": g.Passed}
		if full {
			entry["reason"] = g.Reason
			entry["value"] = g.Value
			entry["threshold"] = g.Threshold
		}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) evaluatePolicyStep(ctx context.Context, intent model.Intent, checksPassed []string, riskEval model.RiskEval, sim model.Simulation, trace string) (model.PolicyEvaluation, *Decision, error) {
	policyEval := policy.Evaluate(policy.GateInput{
		RiskLevel:        intent.RiskLevel,
		ChecksPassed:     checksPassed,
		EntropyDelta:     riskEval.EntropyScore,
		ContainmentScore: riskEval.ContainmentScore,
	}, e.cfg)

	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventPolicyEvaluated,
		TraceID:   trace,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"verdict":      string(policyEval.Verdict),
			"gates":        gatesPayload(policyEval, true),
			"profile_used": policyEval.ProfileUsed,
			"trace_id":     trace,
		},
		Evidence: map[string]any{"verdict": string(policyEval.Verdict), "trace_id": trace},
	})
	if err != nil {
		return model.PolicyEvaluation{}, nil, err
	}

	if policyEval.Verdict == model.VerdictBlock {
		var blockedGates []string
		for _, g := range policyEval.Gates {
			if !g.Passed {
				blockedGates = append(blockedGates, string(g.Gate))
			}
		}
		d, err := e.block(ctx, intent,
			fmt.Sprintf("Policy blocked: gates %v", blockedGates),
			trace, &sim, &riskEval, &policyEval)
		return model.PolicyEvaluation{}, &d, err
	}
	return policyEval, nil, nil
}

func (e *Engine) evaluateRiskGateStep(ctx context.Context, intent model.Intent, riskEval model.RiskEval, policyEval model.PolicyEvaluation, sim model.Simulation, trace string) (*policy.RiskGateResult, *Decision, error) {
	gate := policy.EvaluateRiskGate(policy.RiskGateInput{
		IntentID:         intent.ID,
		RiskScore:        riskEval.RiskScore,
		DamageScore:      riskEval.DamageScore,
		PropagationScore: riskEval.PropagationScore,
		Thresholds:       e.cfg.Risk,
		Mode:             e.riskGateMode(),
		EnforceRatio:     e.riskGateEnforceRatio(),
	})
	if gate.Enforced {
		d, err := e.block(ctx, intent,
			fmt.Sprintf("Risk gate enforced: %v", gate.Breaches),
			trace, &sim, &riskEval, &policyEval)
		return nil, &d, err
	}
	return &gate, nil, nil
}

func (e *Engine) finalizeValidation(ctx context.Context, intent model.Intent, sim model.Simulation, riskEval model.RiskEval, policyEval model.PolicyEvaluation, gate *policy.RiskGateResult, trace string) (Decision, error) {
	if err := e.events.Store().UpdateIntentStatus(ctx, intent.ID, model.StatusValidated, intent.Retries); err != nil {
		return Decision{}, err
	}
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventIntentValidated,
		TraceID:   trace,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"source": intent.Source, "target": intent.Target, "trace_id": trace,
		},
		Evidence: map[string]any{
			"risk_score": riskEval.RiskScore, "policy_verdict": "ALLOW", "trace_id": trace,
		},
	})
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Decision: "validated",
		IntentID: intent.ID,
		TraceID:  trace,
		Simulation: map[string]any{
			"mergeable": sim.Mergeable, "files_changed": sim.FilesChanged,
		},
		Risk: riskEval.ToPayload(),
		Policy: map[string]any{
			"verdict": "ALLOW", "gates": gatesPayload(policyEval, false),
		},
		RiskGate: gate,
	}, nil
}

func (e *Engine) block(ctx context.Context, intent model.Intent, reason, trace string, sim *model.Simulation, riskEval *model.RiskEval, policyEval *model.PolicyEvaluation) (Decision, error) {
	_, err := e.events.Append(ctx, model.Event{
		EventType: model.EventIntentBlocked,
		TraceID:   trace,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload:   map[string]any{"reason": reason, "trace_id": trace},
		Evidence:  map[string]any{"reason": reason, "trace_id": trace},
	})
	if err != nil {
		return Decision{}, err
	}
	e.logger.Info("intent blocked", "intent_id", intent.ID, "reason", reason, "trace_id", trace)

	d := Decision{Decision: "blocked", IntentID: intent.ID, Reason: reason, TraceID: trace}
	if sim != nil {
		d.Simulation = map[string]any{"mergeable": sim.Mergeable, "conflicts": sim.Conflicts}
	}
	if riskEval != nil {
		d.Risk = riskEval.ToPayload()
	}
	if policyEval != nil {
		gates := make([]map[string]any, 0, len(policyEval.Gates))
		for _, g := range policyEval.Gates {
			gates = append(gates, map[string]any{
				"gate": string(g.Gate), "passed": g.Passed, "reason": g.Reason,
			})
		}
		d.Policy = map[string]any{"verdict": "BLOCK", "gates": gates}
	}
	return d, nil
}

func (e *Engine) riskGateMode() string {
	if mode := os.Getenv("CONVERGE_RISK_GATE_MODE"); mode != "" {
		return mode
	}
	return "shadow"
}

func (e *Engine) riskGateEnforceRatio() float64 {
	if v := os.Getenv("CONVERGE_RISK_GATE_ENFORCE_RATIO"); v != "" {
		var ratio float64
		if _, err := fmt.Sscanf(v, "%f", &ratio); err == nil && ratio >= 0 && ratio <= 1 {
			return ratio
		}
	}
	return 1.0
}
