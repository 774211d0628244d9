// Package security orchestrates security scanners, persists their
// findings, and gates intents on finding counts by risk level.
package security

import (
	"context"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Finding severities, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Finding categories.
const (
	CategorySAST    = "sast"
	CategorySCA     = "sca"
	CategorySecrets = "secrets"
)

// GateLimits caps findings allowed through for one risk level.
type GateLimits struct {
	MaxCritical int `json:"max_critical"`
	MaxHigh     int `json:"max_high"`
}

// GateDefaults maps risk level to finding limits. Higher-risk intents
// tolerate fewer open findings.
var GateDefaults = map[model.RiskLevel]GateLimits{
	model.RiskLow:      {MaxCritical: 0, MaxHigh: 5},
	model.RiskMedium:   {MaxCritical: 0, MaxHigh: 2},
	model.RiskHigh:     {MaxCritical: 0, MaxHigh: 0},
	model.RiskCritical: {MaxCritical: 0, MaxHigh: 0},
}

// ScanOpts carry scan context through to the scanners.
type ScanOpts struct {
	IntentID string
	TenantID string
	Timeout  time.Duration
}

// Scanner is one security tool adapter.
type Scanner interface {
	Name() string
	Available() bool
	Scan(ctx context.Context, path string, opts ScanOpts) ([]store.Finding, error)
}

// Service coordinates scanners over the event log.
type Service struct {
	events   *eventlog.Log
	scanners []Scanner
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithScanners replaces the default scanner set.
func WithScanners(s ...Scanner) Option {
	return func(svc *Service) { svc.scanners = s }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// NewService builds the orchestrator. Default scanners: gitleaks and
// the shell fallback.
func NewService(events *eventlog.Log, opts ...Option) *Service {
	svc := &Service{
		events:   events,
		scanners: []Scanner{NewGitleaksScanner(), NewShellScanner("")},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// ScanSummary is the result of one orchestrated scan.
type ScanSummary struct {
	ScanID         string           `json:"scan_id"`
	TotalFindings  int              `json:"total_findings"`
	SeverityCounts map[string]int   `json:"severity_counts"`
	Scanners       []map[string]any `json:"scanners"`
	IntentID       string           `json:"intent_id,omitempty"`
	TenantID       string           `json:"tenant_id,omitempty"`
	Timestamp      string           `json:"timestamp"`
}

// RunScan runs every available scanner against path, persists the
// findings, and emits the scan lifecycle events. Unavailable scanners
// are reported as skipped, not errors.
func (s *Service) RunScan(ctx context.Context, path string, opts ScanOpts) (ScanSummary, error) {
	scanID := model.NewID()

	names := make([]string, 0, len(s.scanners))
	for _, sc := range s.scanners {
		names = append(names, sc.Name())
	}
	_, err := s.events.Append(ctx, model.Event{
		EventType: model.EventSecurityScanStarted,
		IntentID:  opts.IntentID,
		TenantID:  opts.TenantID,
		Payload:   map[string]any{"scan_id": scanID, "scanners": names, "path": path},
	})
	if err != nil {
		return ScanSummary{}, err
	}

	var all []store.Finding
	var results []map[string]any
	for _, sc := range s.scanners {
		if !sc.Available() {
			results = append(results, map[string]any{
				"scanner": sc.Name(), "status": "skipped",
				"reason": "not installed", "findings": 0,
			})
			continue
		}
		findings, serr := sc.Scan(ctx, path, opts)
		if serr != nil {
			results = append(results, map[string]any{
				"scanner": sc.Name(), "status": "error",
				"reason": serr.Error(), "findings": 0,
			})
			continue
		}
		all = append(all, findings...)
		results = append(results, map[string]any{
			"scanner": sc.Name(), "status": "completed", "findings": len(findings),
		})
	}

	counts := map[string]int{}
	for i := range all {
		f := &all[i]
		f.ScanID = scanID
		if opts.IntentID != "" {
			f.IntentID = opts.IntentID
		}
		if opts.TenantID != "" {
			f.TenantID = opts.TenantID
		}
		if f.Status == "" {
			f.Status = "open"
		}
		if f.CreatedAt == "" {
			f.CreatedAt = s.now().UTC().Format(model.ISOFormat)
		}
		if err := s.events.Store().PutFinding(ctx, *f); err != nil {
			return ScanSummary{}, err
		}
		counts[f.Severity]++

		if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
			_, err := s.events.Append(ctx, model.Event{
				EventType: model.EventSecurityFindingDetected,
				IntentID:  opts.IntentID,
				TenantID:  opts.TenantID,
				Payload: map[string]any{
					"scan_id": scanID,
					"finding": map[string]any{
						"id": f.ID, "scanner": f.Metadata["scanner"],
						"severity": f.Severity, "rule": f.RuleID,
						"file": f.File, "line": f.Line,
					},
				},
			})
			if err != nil {
				return ScanSummary{}, err
			}
		}
	}

	summary := ScanSummary{
		ScanID:         scanID,
		TotalFindings:  len(all),
		SeverityCounts: counts,
		Scanners:       results,
		IntentID:       opts.IntentID,
		TenantID:       opts.TenantID,
		Timestamp:      s.now().UTC().Format(model.ISOFormat),
	}
	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventSecurityScanCompleted,
		IntentID:  opts.IntentID,
		TenantID:  opts.TenantID,
		Payload: map[string]any{
			"scan_id":         summary.ScanID,
			"total_findings":  summary.TotalFindings,
			"severity_counts": summary.SeverityCounts,
			"scanners":        summary.Scanners,
			"timestamp":       summary.Timestamp,
		},
	})
	if err != nil {
		return ScanSummary{}, err
	}
	return summary, nil
}

// GateResult reports whether open findings allow an intent through.
type GateResult struct {
	Passed        bool       `json:"passed"`
	RiskLevel     string     `json:"risk_level"`
	CriticalCount int        `json:"critical_count"`
	HighCount     int        `json:"high_count"`
	Limits        GateLimits `json:"limits"`
}

// Gate checks an intent's open findings against the limits for its
// risk level.
func (s *Service) Gate(ctx context.Context, intentID, tenantID string, level model.RiskLevel) (GateResult, error) {
	counts, err := s.events.Store().CountFindings(ctx, intentID, tenantID)
	if err != nil {
		return GateResult{}, err
	}
	limits, ok := GateDefaults[level]
	if !ok {
		limits = GateDefaults[model.RiskMedium]
	}
	return GateResult{
		Passed: counts[SeverityCritical] <= limits.MaxCritical &&
			counts[SeverityHigh] <= limits.MaxHigh,
		RiskLevel:     string(level),
		CriticalCount: counts[SeverityCritical],
		HighCount:     counts[SeverityHigh],
		Limits:        limits,
	}, nil
}

// Summary aggregates finding counts plus the most recent scans for
// dashboards.
func (s *Service) Summary(ctx context.Context, intentID, tenantID string) (map[string]any, error) {
	counts, err := s.events.Store().CountFindings(ctx, intentID, tenantID)
	if err != nil {
		return nil, err
	}
	scans, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventSecurityScanCompleted,
		IntentID:  intentID,
		Limit:     5,
	})
	if err != nil {
		return nil, err
	}
	recent := make([]map[string]any, 0, len(scans))
	for _, e := range scans {
		recent = append(recent, e.Payload)
	}
	return map[string]any{
		"finding_counts": counts,
		"recent_scans":   recent,
	}, nil
}
