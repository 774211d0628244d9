package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

func runIntentCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: converge intent <create|list|show>")
		return 2
	}
	switch args[0] {
	case "create":
		return runIntentCreate(args[1:], stdout, stderr)
	case "list":
		return runIntentList(args[1:], stdout, stderr)
	case "show":
		return runIntentShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown intent command: %s\n", args[0])
		return 2
	}
}

func runIntentCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("intent create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		source    string
		target    string
		id        string
		riskLevel string
		priority  int
		tenantID  string
		createdBy string
		scopeHint string
		deps      string
		checks    string
	)
	cmd.StringVar(&source, "source", "", "Source branch (REQUIRED)")
	cmd.StringVar(&target, "target", model.DefaultTargetBranch, "Target branch")
	cmd.StringVar(&id, "id", "", "Intent id (generated when empty)")
	cmd.StringVar(&riskLevel, "risk", string(model.RiskMedium), "Risk level: low|medium|high|critical")
	cmd.IntVar(&priority, "priority", model.DefaultPriority, "Queue priority, lower drains first")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&createdBy, "by", "", "Creator identity")
	cmd.StringVar(&scopeHint, "scope", "", "Comma-separated file scope hint")
	cmd.StringVar(&deps, "deps", "", "Comma-separated dependency intent ids")
	cmd.StringVar(&checks, "checks", "", "Comma-separated required checks")

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

	in := model.NewIntent(id, source, target)
	in.RiskLevel = model.RiskLevel(riskLevel)
	in.Priority = priority
	in.TenantID = tenantID
	if createdBy != "" {
		in.CreatedBy = createdBy
	}
	if scopeHint != "" {
		in.Technical["scope_hint"] = splitList(scopeHint)
	}
	in.Dependencies = splitList(deps)
	in.ChecksRequired = splitList(checks)

	result, err := a.engine.CreateIntent(ctx, in)
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, result)
	if code == 0 && !result.OK {
		return 1
	}
	return code
}

func runIntentList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("intent list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		status   string
		tenantID string
		limit    int
	)
	cmd.StringVar(&status, "status", "", "Filter by status")
	cmd.StringVar(&tenantID, "tenant", "", "Filter by tenant")
	cmd.IntVar(&limit, "limit", model.QueryLimitSmall, "Max intents returned")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	intents, err := a.store.ListIntents(ctx, store.IntentFilter{
		Status: model.Status(status), TenantID: tenantID, Limit: limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, intents)
}

func runIntentShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("intent show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id     string
		events int
	)
	cmd.StringVar(&id, "id", "", "Intent id (REQUIRED)")
	cmd.IntVar(&events, "events", 20, "Event history entries to include")

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
	history, err := a.events.Query(ctx, store.EventFilter{IntentID: id, Limit: events})
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"intent": intent, "events": history})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
