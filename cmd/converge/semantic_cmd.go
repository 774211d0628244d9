package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/convergehq/converge/pkg/semantic"
)

func runConflictsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: converge conflicts <scan|list|resolve>")
		return 2
	}
	switch args[0] {
	case "scan":
		return runConflictsScan(args[1:], stdout, stderr)
	case "list":
		return runConflictsList(args[1:], stdout, stderr)
	case "resolve":
		return runConflictsResolve(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown conflicts command: %s\n", args[0])
		return 2
	}
}

// runConflictsScan embeds active intents and scores overlapping pairs.
// The scan mode follows the semantic_conflicts flag unless overridden.
func runConflictsScan(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conflicts scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID  string
		target    string
		threshold float64
		mode      string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&target, "target", "", "Only intents aimed at this branch")
	cmd.Float64Var(&threshold, "threshold", 0, "Similarity threshold override")
	cmd.StringVar(&mode, "mode", "", "shadow or enforce (default: flag mode)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if mode == "" {
		mode = a.flags.Mode("semantic_conflicts")
	}
	report, err := a.semanticDetector().Scan(ctx, semantic.ScanOpts{
		TenantID:            tenantID,
		Target:              target,
		SimilarityThreshold: threshold,
		Mode:                mode,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, report)
}

func runConflictsList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conflicts list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID string
		limit    int
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.IntVar(&limit, "limit", 50, "Max open conflicts")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	open, err := a.semanticDetector().ListOpen(ctx, tenantID, limit)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, open)
}

func runConflictsResolve(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conflicts resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		intentA    string
		intentB    string
		resolution string
		resolvedBy string
		tenantID   string
	)
	cmd.StringVar(&intentA, "a", "", "First intent id (REQUIRED)")
	cmd.StringVar(&intentB, "b", "", "Second intent id (REQUIRED)")
	cmd.StringVar(&resolution, "resolution", "reviewed", "How the conflict was settled")
	cmd.StringVar(&resolvedBy, "by", "operator", "Who resolved it")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if intentA == "" || intentB == "" {
		fmt.Fprintln(stderr, "Error: --a and --b are required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if err := a.semanticDetector().Resolve(ctx, intentA, intentB, resolution, resolvedBy, tenantID); err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]string{
		"intent_a": intentA, "intent_b": intentB, "resolution": resolution,
	})
}

// runIndexCmd manages intent embeddings: one intent with --id, a batch
// reindex without it, coverage with --status, removal with --delete.
func runIndexCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("index", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		intentID string
		tenantID string
		force    bool
		dryRun   bool
		status   bool
		remove   bool
	)
	cmd.StringVar(&intentID, "id", "", "Intent id; omit to reindex all")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.BoolVar(&force, "force", false, "Re-embed even when the checksum matches")
	cmd.BoolVar(&dryRun, "dry-run", false, "Count what would change without writing")
	cmd.BoolVar(&status, "status", false, "Show embedding coverage instead of indexing")
	cmd.BoolVar(&remove, "delete", false, "Delete the embedding for --id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if remove && intentID == "" {
		fmt.Fprintln(stderr, "Error: --delete requires --id")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	idx := a.semanticIndexer()
	if status {
		coverage, err := idx.Status(ctx, tenantID)
		if err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, coverage)
	}
	if remove {
		deleted, err := idx.Remove(ctx, intentID)
		if err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, map[string]any{"intent_id": intentID, "deleted": deleted})
	}
	if intentID != "" {
		result, err := idx.IndexIntent(ctx, intentID, force)
		if err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, result)
	}
	summary, err := idx.Reindex(ctx, semantic.ReindexOpts{
		TenantID: tenantID, Force: force, DryRun: dryRun,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, summary)
}
