package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

const defaultScanTimeout = 120 * time.Second

// GitleaksScanner shells out to gitleaks for secret detection.
type GitleaksScanner struct{}

// NewGitleaksScanner builds the gitleaks adapter.
func NewGitleaksScanner() *GitleaksScanner { return &GitleaksScanner{} }

func (g *GitleaksScanner) Name() string { return "gitleaks" }

func (g *GitleaksScanner) Available() bool {
	_, err := exec.LookPath("gitleaks")
	return err == nil
}

type gitleaksFinding struct {
	RuleID      string `json:"RuleID"`
	Description string `json:"Description"`
	File        string `json:"File"`
	StartLine   int    `json:"StartLine"`
}

func (g *GitleaksScanner) Scan(ctx context.Context, path string, opts ScanOpts) ([]store.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout(opts))
	defer cancel()

	cmd := exec.CommandContext(ctx, "gitleaks", "detect",
		"--no-banner", "--source", path,
		"--report-format", "json", "--report-path", "/dev/stdout")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// Exit 1 means leaks were found; only launch failures are errors.
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("run gitleaks: %w", err)
		}
	}

	var raw []gitleaksFinding
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, nil
	}
	findings := make([]store.Finding, 0, len(raw))
	for _, r := range raw {
		findings = append(findings, store.Finding{
			ID:       model.NewID(),
			RuleID:   r.RuleID,
			Severity: SeverityHigh,
			File:     r.File,
			Line:     r.StartLine,
			Snippet:  r.Description,
			Metadata: map[string]any{
				"scanner":    g.Name(),
				"category":   CategorySecrets,
				"confidence": "high",
			},
		})
	}
	return findings, nil
}

// ShellScanner runs a configurable command and parses structured JSON
// output when present; a non-zero exit without JSON becomes a single
// medium-severity finding. Fallback for projects with their own
// security tooling behind a make target.
type ShellScanner struct {
	command string
}

// NewShellScanner builds the shell adapter. Empty command uses the
// default make target.
func NewShellScanner(command string) *ShellScanner {
	if command == "" {
		command = "make security-scan"
	}
	return &ShellScanner{command: command}
}

func (s *ShellScanner) Name() string    { return "shell" }
func (s *ShellScanner) Available() bool { return true }

func (s *ShellScanner) Scan(ctx context.Context, path string, opts ScanOpts) ([]store.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout(opts))
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	cmd.Dir = path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("run %q: %w", s.command, runErr)
		}
	}

	if findings, ok := parseShellJSON(stdout.Bytes()); ok {
		return findings, nil
	}

	if runErr != nil {
		errOut := stderr.String()
		if len(errOut) > 500 {
			errOut = errOut[:500]
		}
		return []store.Finding{{
			ID:       model.NewID(),
			Severity: SeverityMedium,
			Snippet:  fmt.Sprintf("Command %q failed. stderr: %s", s.command, errOut),
			Metadata: map[string]any{
				"scanner":    s.Name(),
				"category":   CategorySAST,
				"confidence": "low",
			},
		}}, nil
	}
	return nil, nil
}

type shellFinding struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Evidence string `json:"evidence"`
}

func parseShellJSON(raw []byte) ([]store.Finding, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	var items []shellFinding
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapped struct {
			Findings []shellFinding `json:"findings"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, false
		}
		items = wrapped.Findings
	}

	findings := make([]store.Finding, 0, len(items))
	for _, item := range items {
		severity := item.Severity
		switch severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		default:
			severity = SeverityMedium
		}
		category := item.Category
		if category == "" {
			category = CategorySAST
		}
		findings = append(findings, store.Finding{
			ID:       model.NewID(),
			RuleID:   item.Rule,
			Severity: severity,
			File:     item.File,
			Line:     item.Line,
			Snippet:  item.Evidence,
			Metadata: map[string]any{"scanner": "shell", "category": category},
		})
	}
	return findings, true
}

func scanTimeout(opts ScanOpts) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return defaultScanTimeout
}
