package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/convergehq/converge/pkg/exports"
	"github.com/convergehq/converge/pkg/security"
)

func runChainCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: converge chain <init|verify>")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	switch args[0] {
	case "init":
		state, err := a.events.InitializeChain(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, state)
	case "verify":
		result, err := a.events.VerifyChain(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		code := printJSON(stdout, result)
		if code == 0 && !result.Valid {
			return 1
		}
		return code
	default:
		fmt.Fprintln(stderr, "Usage: converge chain <init|verify>")
		return 2
	}
}

// runPruneCmd deletes events older than a cutoff, the log's only
// deletion path. The chain must be re-initialized after a real prune.
func runPruneCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("prune", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		before   string
		tenantID string
		dryRun   bool
	)
	cmd.StringVar(&before, "before", "", "Delete events older than this ISO timestamp (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.BoolVar(&dryRun, "dry-run", false, "Count without deleting")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if before == "" {
		fmt.Fprintln(stderr, "Error: --before is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	n, err := a.store.PruneEvents(ctx, before, tenantID, dryRun)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{
		"pruned": n, "before": before, "dry_run": dryRun,
	})
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		hours    int
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.IntVar(&hours, "window", 24, "Window in hours")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	snapshot, err := a.proj.RepoHealth(ctx, tenantID, hours)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, snapshot)
}

func runDebtCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("debt", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var tenantID string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	debt, err := a.proj.VerificationDebt(ctx, tenantID)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, debt)
}

func runComplianceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compliance", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var tenantID string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	report, err := a.proj.ComplianceReport(ctx, tenantID)
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, report)
	if code == 0 && !report.Passed {
		return 1
	}
	return code
}

func runFlagsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("flags", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		name    string
		enable  bool
		disable bool
		mode    string
	)
	cmd.StringVar(&name, "name", "", "Flag to change; omit to list all")
	cmd.BoolVar(&enable, "enable", false, "Enable the flag")
	cmd.BoolVar(&disable, "disable", false, "Disable the flag")
	cmd.StringVar(&mode, "mode", "", "Set the flag mode")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if name == "" {
		return printJSON(stdout, a.flags.List())
	}

	var enabled *bool
	if enable {
		t := true
		enabled = &t
	} else if disable {
		f := false
		enabled = &f
	}
	var modePtr *string
	if mode != "" {
		modePtr = &mode
	}
	state, ok, err := a.flags.Set(ctx, name, enabled, modePtr)
	if err != nil {
		return fail(stderr, err)
	}
	if !ok {
		fmt.Fprintf(stderr, "Unknown flag: %s\n", name)
		return 1
	}
	return printJSON(stdout, state)
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		format   string
		name     string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&format, "format", exports.FormatJSONL, "Output format: jsonl|csv")
	cmd.StringVar(&name, "name", "", "Object name")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	sink, err := exports.SinkFromEnv(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	exporter := exports.NewExporter(a.events, exports.WithSink(sink))
	result, err := exporter.ExportDecisions(ctx, exports.ExportOpts{
		TenantID: tenantID, Format: format, Name: name,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, result)
}

func runArchaeologyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archaeology", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var refresh bool
	cmd.BoolVar(&refresh, "refresh", false, "Rescan history and replace the snapshot")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	svc := a.analyticsService()
	if refresh {
		result, err := svc.RefreshSnapshot(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		code := printJSON(stdout, result)
		if code == 0 && len(result.Issues) > 0 {
			return 1
		}
		return code
	}
	report, err := svc.ArchaeologyReport(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, report)
}

func runCalibrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var tenantID string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	result, err := a.analyticsService().RunCalibration(ctx, tenantID)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, result)
}

func runReviewCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("review", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var id string
	cmd.StringVar(&id, "id", "", "Intent id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	review, err := a.analyticsService().RiskReview(ctx, id)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, review)
}

func runSecurityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "scan" {
		fmt.Fprintln(stderr, "Usage: converge security scan [--path <dir>]")
		return 2
	}
	cmd := flag.NewFlagSet("security scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		path     string
		intentID string
		tenantID string
	)
	cmd.StringVar(&path, "path", ".", "Directory to scan")
	cmd.StringVar(&intentID, "intent", "", "Intent to attribute findings to")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	svc := security.NewService(a.events)
	summary, err := svc.RunScan(ctx, path, security.ScanOpts{
		IntentID: intentID, TenantID: tenantID,
	})
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, summary)
	if code == 0 && (summary.SeverityCounts[security.SeverityCritical] > 0 ||
		summary.SeverityCounts[security.SeverityHigh] > 0) {
		return 1
	}
	return code
}

func runIntakeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("intake", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		mode     string
		setBy    string
		reason   string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&mode, "mode", "", "Force a mode: open|throttle|pause|auto")
	cmd.StringVar(&setBy, "by", "operator", "Who is changing the mode")
	cmd.StringVar(&reason, "reason", "", "Why the mode is changing")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	ctl := a.intakeController()
	if mode != "" {
		if err := ctl.SetMode(ctx, mode, tenantID, setBy, reason); err != nil {
			return fail(stderr, err)
		}
	}
	status, err := ctl.Status(ctx, tenantID)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, status)
}
