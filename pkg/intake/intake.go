// Package intake decides whether the system should accept new intents
// at all. Three modes: open accepts everything, throttle admits a
// deterministic fraction, pause admits only critical-risk work. Mode
// is derived from health and verification debt unless an operator has
// pinned it.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/projections"
	"github.com/convergehq/converge/pkg/store"
)

// Mode is the intake admission mode.
type Mode string

// Intake modes.
const (
	ModeOpen     Mode = "open"
	ModeThrottle Mode = "throttle"
	ModePause    Mode = "pause"
)

// Config holds the intake thresholds.
type Config struct {
	PauseBelowHealth    float64 `json:"pause_below_health" yaml:"pause_below_health"`
	ThrottleBelowHealth float64 `json:"throttle_below_health" yaml:"throttle_below_health"`
	ThrottleRatio       float64 `json:"throttle_ratio" yaml:"throttle_ratio"`
	BurstLimit          int     `json:"burst_limit" yaml:"burst_limit"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PauseBelowHealth:    model.IntakePauseBelowHealth,
		ThrottleBelowHealth: model.IntakeThrottleBelowHealth,
		ThrottleRatio:       model.IntakeThrottleRatio,
		BurstLimit:          20,
	}
}

// Decision is the outcome of one intake evaluation.
type Decision struct {
	Accepted bool           `json:"accepted"`
	Mode     Mode           `json:"mode"`
	Reason   string         `json:"reason"`
	Signals  map[string]any `json:"signals,omitempty"`
}

// Controller evaluates intake admission.
type Controller struct {
	events *eventlog.Log
	proj   *projections.Service
	cfg    Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewController builds an intake controller.
func NewController(events *eventlog.Log, proj *projections.Service, cfg Config) *Controller {
	if cfg.ThrottleRatio <= 0 {
		cfg = DefaultConfig()
	}
	return &Controller{
		events:   events,
		proj:     proj,
		cfg:      cfg,
		limiters: map[string]*rate.Limiter{},
	}
}

// limiter returns the per-tenant burst limiter. Burst admission runs
// on top of mode rules so one tenant cannot flood an open system.
func (c *Controller) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.BurstLimit), c.cfg.BurstLimit)
		c.limiters[tenantID] = l
	}
	return l
}

// Evaluate decides whether to accept an intent. When rejected the
// caller must not persist the intent; only the intake event remains.
func (c *Controller) Evaluate(ctx context.Context, intent model.Intent) (Decision, error) {
	mode, signals, err := c.resolveMode(ctx, intent.TenantID)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	switch mode {
	case ModePause:
		if intent.RiskLevel == model.RiskCritical {
			decision = Decision{
				Accepted: true, Mode: mode,
				Reason:  "pause mode: critical-risk intent accepted",
				Signals: signals,
			}
		} else {
			decision = Decision{
				Accepted: false, Mode: mode,
				Reason:  fmt.Sprintf("pause mode: only critical-risk intents accepted (got %s)", intent.RiskLevel),
				Signals: signals,
			}
		}
	case ModeThrottle:
		bucket := throttleBucket(intent.ID)
		ratio := c.cfg.ThrottleRatio
		signals["bucket"] = round4(bucket)
		signals["throttle_ratio"] = ratio
		if bucket < ratio {
			decision = Decision{
				Accepted: true, Mode: mode,
				Reason:  fmt.Sprintf("throttle mode: accepted (bucket=%.4f < ratio=%v)", bucket, ratio),
				Signals: signals,
			}
		} else {
			decision = Decision{
				Accepted: false, Mode: mode,
				Reason:  fmt.Sprintf("throttle mode: rejected (bucket=%.4f >= ratio=%v)", bucket, ratio),
				Signals: signals,
			}
		}
	default:
		decision = Decision{
			Accepted: true, Mode: ModeOpen,
			Reason:  "open mode: accepting all intents",
			Signals: signals,
		}
	}

	if decision.Accepted && !c.limiter(intent.TenantID).Allow() {
		decision = Decision{
			Accepted: false, Mode: mode,
			Reason:  "burst limit exceeded for tenant",
			Signals: signals,
		}
	}

	if err := c.emitDecision(ctx, intent, decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (c *Controller) emitDecision(ctx context.Context, intent model.Intent, d Decision) error {
	eventType := model.EventIntakeAccepted
	if !d.Accepted {
		eventType = model.EventIntakeRejected
		if d.Mode == ModeThrottle {
			eventType = model.EventIntakeThrottled
		}
	}
	_, err := c.events.Append(ctx, model.Event{
		EventType: eventType,
		IntentID:  intent.ID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"mode":        string(d.Mode),
			"accepted":    d.Accepted,
			"risk_level":  string(intent.RiskLevel),
			"origin_type": model.Str(intent.Semantic["origin_type"]),
			"signals":     d.Signals,
			"reason":      d.Reason,
		},
	})
	return err
}

// Status reports the current intake state for dashboards and the CLI.
func (c *Controller) Status(ctx context.Context, tenantID string) (map[string]any, error) {
	mode, signals, err := c.resolveMode(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	override, hasOverride, err := c.events.Store().GetIntakeOverride(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	status := map[string]any{
		"mode":            string(mode),
		"auto_mode":       signals["auto_mode"],
		"manual_override": hasOverride,
		"signals":         signals,
		"config": map[string]any{
			"pause_below_health":    c.cfg.PauseBelowHealth,
			"throttle_below_health": c.cfg.ThrottleBelowHealth,
			"throttle_ratio":        c.cfg.ThrottleRatio,
		},
		"tenant_id": tenantID,
	}
	if hasOverride {
		status["override"] = map[string]any{
			"mode": override.Mode, "set_by": override.SetBy, "reason": override.Reason,
		}
	}
	return status, nil
}

// SetMode pins the intake mode for a tenant. Mode "auto" clears the
// override and reverts to health-derived admission.
func (c *Controller) SetMode(ctx context.Context, mode, tenantID, setBy, reason string) error {
	if setBy == "" {
		setBy = "operator"
	}

	if mode == "auto" {
		if err := c.events.Store().DeleteIntakeOverride(ctx, tenantID); err != nil {
			return err
		}
		if reason == "" {
			reason = "manual override cleared"
		}
		_, err := c.events.Append(ctx, model.Event{
			EventType: model.EventIntakeModeChanged,
			TenantID:  tenantID,
			Payload: map[string]any{
				"mode": "auto", "previous_override": true, "set_by": setBy, "reason": reason,
			},
		})
		return err
	}

	switch Mode(mode) {
	case ModeOpen, ModeThrottle, ModePause:
	default:
		return fmt.Errorf("invalid intake mode %q, use open/throttle/pause/auto", mode)
	}

	err := c.events.Store().PutIntakeOverride(ctx, store.IntakeOverride{
		TenantID: tenantID, Mode: mode, SetBy: setBy, Reason: reason,
	})
	if err != nil {
		return err
	}
	if reason == "" {
		reason = fmt.Sprintf("manual override to %s", mode)
	}
	_, err = c.events.Append(ctx, model.Event{
		EventType: model.EventIntakeModeChanged,
		TenantID:  tenantID,
		Payload:   map[string]any{"mode": mode, "set_by": setBy, "reason": reason},
	})
	return err
}

// resolveMode applies the manual override when present, otherwise the
// auto-computed mode. The auto mode rides along in signals either way.
func (c *Controller) resolveMode(ctx context.Context, tenantID string) (Mode, map[string]any, error) {
	override, hasOverride, err := c.events.Store().GetIntakeOverride(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}

	autoMode, signals, err := c.computeAutoMode(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	signals["auto_mode"] = string(autoMode)

	if hasOverride {
		return Mode(override.Mode), signals, nil
	}
	return autoMode, signals, nil
}

// computeAutoMode derives the mode from the worse of health and
// inverse debt, so high debt can throttle intake even when health
// still looks fine.
func (c *Controller) computeAutoMode(ctx context.Context, tenantID string) (Mode, map[string]any, error) {
	health, err := c.proj.RepoHealth(ctx, tenantID, 24)
	if err != nil {
		return "", nil, err
	}
	queue, err := c.proj.QueueState(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	debt, err := c.proj.VerificationDebt(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}

	debtAdjusted := 100.0 - debt.DebtScore
	if debtAdjusted < 0 {
		debtAdjusted = 0
	}
	effective := health.RepoHealthScore
	if debtAdjusted < effective {
		effective = debtAdjusted
	}

	signals := map[string]any{
		"health_score":       health.RepoHealthScore,
		"health_status":      health.Status,
		"debt_score":         debt.DebtScore,
		"debt_status":        debt.Status,
		"effective_score":    round1(effective),
		"queue_total":        queue.Total,
		"queue_pending":      len(queue.Pending),
		"conflict_rate":      health.ConflictRate,
		"pause_threshold":    c.cfg.PauseBelowHealth,
		"throttle_threshold": c.cfg.ThrottleBelowHealth,
	}

	switch {
	case effective < c.cfg.PauseBelowHealth:
		return ModePause, signals, nil
	case effective < c.cfg.ThrottleBelowHealth:
		return ModeThrottle, signals, nil
	default:
		return ModeOpen, signals, nil
	}
}

// throttleBucket maps an intent id into [0.0, 1.0) deterministically.
func throttleBucket(intentID string) float64 {
	sum := sha256.Sum256([]byte(intentID))
	h := hex.EncodeToString(sum[:])[:model.RolloutHashChars]
	n, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0
	}
	return float64(n) / float64(model.RolloutDivisor)
}

func round1(x float64) float64 { return float64(int(x*10+0.5)) / 10 }
func round4(x float64) float64 { return float64(int(x*10000+0.5)) / 10000 }
