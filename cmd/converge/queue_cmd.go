package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/model"
)

func runQueueCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: converge queue <process|inspect|reset>")
		return 2
	}
	switch args[0] {
	case "process":
		return runQueueProcess(args[1:], stdout, stderr)
	case "inspect":
		return runQueueInspect(args[1:], stdout, stderr)
	case "reset":
		return runQueueReset(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown queue command: %s\n", args[0])
		return 2
	}
}

func runQueueProcess(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("queue process", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		limit       int
		target      string
		autoConfirm bool
		maxRetries  int
		skipChecks  bool
		useLastSim  bool
	)
	cmd.IntVar(&limit, "limit", 20, "Max intents this pass")
	cmd.StringVar(&target, "target", "", "Target branch")
	cmd.BoolVar(&autoConfirm, "auto-confirm", false, "Execute merges for passing intents")
	cmd.IntVar(&maxRetries, "max-retries", 0, "Retry limit override")
	cmd.BoolVar(&skipChecks, "skip-checks", false, "Skip required check execution")
	cmd.BoolVar(&useLastSim, "use-last-simulation", false, "Reuse existing simulations")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	decisions, err := a.engine.ProcessQueue(ctx, engine.QueueOpts{
		Limit:             limit,
		Target:            target,
		AutoConfirm:       autoConfirm,
		MaxRetries:        maxRetries,
		SkipChecks:        skipChecks,
		UseLastSimulation: useLastSim,
	})
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, decisions)
	if code == 0 && len(decisions) == 1 && decisions[0].Err != "" {
		return 1
	}
	return code
}

func runQueueInspect(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("queue inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		status     string
		minRetries int
		actionable bool
		limit      int
	)
	cmd.StringVar(&status, "status", "", "Filter by status")
	cmd.IntVar(&minRetries, "min-retries", 0, "Only intents with at least this many retries")
	cmd.BoolVar(&actionable, "actionable", false, "Only READY, VALIDATED, and QUEUED intents")
	cmd.IntVar(&limit, "limit", 100, "Max entries")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	entries, err := a.engine.InspectQueue(ctx, engine.InspectFilter{
		Status:         model.Status(status),
		MinRetries:     minRetries,
		OnlyActionable: actionable,
		Limit:          limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, entries)
}

func runQueueReset(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("queue reset", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id        string
		setStatus string
		clearLock bool
	)
	cmd.StringVar(&id, "id", "", "Intent id (REQUIRED)")
	cmd.StringVar(&setStatus, "status", "", "Force a new status")
	cmd.BoolVar(&clearLock, "clear-lock", false, "Force-release the queue lock")

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

	decision, err := a.engine.ResetQueue(ctx, id, model.Status(setStatus), clearLock)
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, decision)
	if code == 0 && decision.Err != "" {
		return 1
	}
	return code
}

func runMergeCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "confirm" {
		fmt.Fprintln(stderr, "Usage: converge merge confirm --id <intent>")
		return 2
	}
	cmd := flag.NewFlagSet("merge confirm", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id     string
		commit string
	)
	cmd.StringVar(&id, "id", "", "Intent id (REQUIRED)")
	cmd.StringVar(&commit, "commit", "", "Merged commit sha, if known")

	if err := cmd.Parse(args[1:]); err != nil {
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

	decision, err := a.engine.ConfirmMerge(ctx, id, commit)
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, decision)
	if code == 0 && decision.Err != "" {
		return 1
	}
	return code
}
