package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/convergehq/converge/pkg/engine"
)

func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		source string
		target string
	)
	cmd.StringVar(&source, "source", "", "Source branch (REQUIRED)")
	cmd.StringVar(&target, "target", "", "Target branch")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if source == "" {
		fmt.Fprintln(stderr, "Error: --source is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if target == "" {
		target = a.engine.Config().Queue.DefaultTarget
	}
	sim, err := a.engine.Simulate(ctx, source, target, "", "", "")
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, sim)
	if code == 0 && !sim.Mergeable {
		return 1
	}
	return code
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id         string
		skipChecks bool
		useLastSim bool
	)
	cmd.StringVar(&id, "id", "", "Intent id (REQUIRED)")
	cmd.BoolVar(&skipChecks, "skip-checks", false, "Skip required check execution")
	cmd.BoolVar(&useLastSim, "use-last-simulation", false, "Reuse the most recent simulation")

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

	intent, err := a.store.GetIntent(ctx, id)
	if err != nil {
		return fail(stderr, err)
	}
	decision, err := a.engine.ValidateIntent(ctx, intent, engine.ValidateOpts{
		SkipChecks:        skipChecks,
		UseLastSimulation: useLastSim,
	})
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, decision)
	if code == 0 && decision.Decision != "validated" {
		return 1
	}
	return code
}
