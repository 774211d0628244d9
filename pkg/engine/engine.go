// Package engine is the decision core. It holds the three invariants:
//
//  1. mergeable(i, t) = can_merge(M(t), Δi) ∧ checks_pass
//  2. if M(t) advances, revalidate before merging
//  3. retries beyond the limit reject the intent
//
// Stateless per decision; every call appends one or more events.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/flags"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/scm"
	"github.com/convergehq/converge/pkg/store"
)

// SupportedChecks is the set of check types the engine can run.
var SupportedChecks = map[string]bool{
	"lint": true, "unit_tests": true, "integration_tests": true,
	"security_scan": true, "contract_tests": true,
}

var checkCommands = map[string][]string{
	"lint":              {"make", "lint"},
	"unit_tests":        {"make", "test"},
	"integration_tests": {"make", "test-integration"},
	"security_scan":     {"make", "security-scan"},
	"contract_tests":    {"make", "test-contract"},
}

// CheckRunner executes a named check and reports the outcome. Injected
// so tests never shell out.
type CheckRunner func(ctx context.Context, checkType string) model.CheckResult

// CouplingLoader supplies historical co-change data for risk scoring.
type CouplingLoader func(ctx context.Context) []risk.Coupling

// Locker serializes queue processing across nodes. Satisfied by the
// store's queue lock and by the Redis locker.
type Locker interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) error
	Release(ctx context.Context, holder string) error
}

// storeLocker adapts the store's queue lock to the Locker interface.
type storeLocker struct{ s *store.Store }

func (l storeLocker) Acquire(ctx context.Context, holder string, ttl time.Duration) error {
	return l.s.AcquireQueueLock(ctx, holder, ttl)
}

func (l storeLocker) Release(ctx context.Context, holder string) error {
	return l.s.ReleaseQueueLock(ctx, holder)
}

// Engine coordinates the intent lifecycle.
type Engine struct {
	events    *eventlog.Log
	git       scm.Runner
	cfg       policy.Config
	logger    *slog.Logger
	locker    Locker
	checks    CheckRunner
	coupling  CouplingLoader
	admission AdmissionFunc
	flags     *flags.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithGit sets the git runner (repository directory).
func WithGit(r scm.Runner) Option {
	return func(e *Engine) { e.git = r }
}

// WithLocker overrides the queue lock implementation.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCheckRunner overrides check execution.
func WithCheckRunner(r CheckRunner) Option {
	return func(e *Engine) { e.checks = r }
}

// WithCouplingLoader supplies archaeology coupling data to risk scoring.
func WithCouplingLoader(l CouplingLoader) Option {
	return func(e *Engine) { e.coupling = l }
}

// WithFlags gates optional behavior (risk auto-classification) on the
// feature flag registry.
func WithFlags(r *flags.Registry) Option {
	return func(e *Engine) { e.flags = r }
}

// New builds an engine over the event log.
func New(events *eventlog.Log, cfg policy.Config, opts ...Option) *Engine {
	e := &Engine{
		events: events,
		cfg:    cfg,
		logger: slog.Default(),
		locker: storeLocker{events.Store()},
	}
	e.checks = e.runCheckCommand
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the active policy configuration.
func (e *Engine) Config() policy.Config { return e.cfg }

// Events returns the event log.
func (e *Engine) Events() *eventlog.Log { return e.events }

func traceID() string {
	if t := os.Getenv("CONVERGE_TRACE_ID"); t != "" {
		return t
	}
	return model.NewTraceID()
}

// Decision is the outcome of validating or processing an intent.
type Decision struct {
	Decision     string                 `json:"decision"` // validated / blocked / rejected / merged
	IntentID     string                 `json:"intent_id"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Retries      int                    `json:"retries,omitempty"`
	Simulation   map[string]any         `json:"simulation,omitempty"`
	Risk         map[string]any         `json:"risk,omitempty"`
	Policy       map[string]any         `json:"policy,omitempty"`
	RiskGate     *policy.RiskGateResult `json:"risk_gate,omitempty"`
	MergedCommit string                 `json:"merged_commit,omitempty"`
	MergeNote    string                 `json:"merge_note,omitempty"`
	Unmet        []string               `json:"unmet,omitempty"`
	Err          string                 `json:"error,omitempty"`
	Lock         map[string]any         `json:"lock,omitempty"`
}

// Simulate dry-runs the merge and records the outcome.
func (e *Engine) Simulate(ctx context.Context, source, target, intentID, tenantID, trace string) (model.Simulation, error) {
	sim, err := e.git.SimulateMerge(ctx, source, target)
	if err != nil {
		return model.Simulation{}, fmt.Errorf("simulate %s into %s: %w", source, target, err)
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventSimulationCompleted,
		TraceID:   trace,
		IntentID:  intentID,
		TenantID:  tenantID,
		Payload: map[string]any{
			"mergeable":     sim.Mergeable,
			"conflicts":     sim.Conflicts,
			"files_changed": sim.FilesChanged,
			"source":        source,
			"target":        target,
		},
		Evidence: map[string]any{
			"source": source, "target": target, "conflict_count": len(sim.Conflicts),
		},
	})
	if err != nil {
		return model.Simulation{}, err
	}
	return sim, nil
}

// SimulateFromLast rehydrates the most recent recorded simulation for
// an intent. Development fallback for repeated validation without git.
func (e *Engine) SimulateFromLast(ctx context.Context, intentID string) (model.Simulation, bool, error) {
	events, err := e.events.Query(ctx, store.EventFilter{
		EventType: model.EventSimulationCompleted,
		IntentID:  intentID,
		Limit:     1,
	})
	if err != nil || len(events) == 0 {
		return model.Simulation{}, false, err
	}
	p := events[0].Payload
	return model.Simulation{
		Mergeable:    model.Bool(p["mergeable"]),
		Conflicts:    model.StringSlice(p["conflicts"]),
		FilesChanged: model.StringSlice(p["files_changed"]),
		Source:       model.Str(p["source"]),
		Target:       model.Str(p["target"]),
	}, true, nil
}

// RunChecks executes the requested checks and records one event each.
func (e *Engine) RunChecks(ctx context.Context, checks []string, intentID, tenantID, trace string) ([]model.CheckResult, error) {
	var results []model.CheckResult
	for _, checkType := range checks {
		if !SupportedChecks[checkType] {
			continue
		}
		result := e.checks(ctx, checkType)
		results = append(results, result)
		_, err := e.events.Append(ctx, model.Event{
			EventType: model.EventCheckCompleted,
			TraceID:   trace,
			IntentID:  intentID,
			TenantID:  tenantID,
			Payload: map[string]any{
				"check_type": result.CheckType,
				"passed":     result.Passed,
				"details":    result.Details,
			},
			Evidence: map[string]any{"check_type": result.CheckType, "passed": result.Passed},
		})
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) runCheckCommand(ctx context.Context, checkType string) model.CheckResult {
	cmd, ok := checkCommands[checkType]
	if !ok {
		return model.CheckResult{CheckType: checkType, Passed: false, Details: "unsupported check"}
	}
	timeout := time.Duration(model.CheckTimeoutSeconds) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c := exec.CommandContext(cctx, cmd[0], cmd[1:]...)
	if e.git.Dir != "" {
		c.Dir = e.git.Dir
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	runErr := c.Run()
	elapsed := time.Since(start).Milliseconds()

	passed := runErr == nil
	details := stdout.String()
	if !passed {
		details = stderr.String()
		if details == "" {
			details = runErr.Error()
		}
	}
	if len(details) > model.CheckOutputLimit {
		details = details[:model.CheckOutputLimit]
	}
	return model.CheckResult{CheckType: checkType, Passed: passed, Details: details, DurationMS: elapsed}
}

// ChecksForRiskLevel resolves required checks from the active profile.
func (e *Engine) ChecksForRiskLevel(level model.RiskLevel) []string {
	return e.cfg.ProfileFor(level).Checks
}
