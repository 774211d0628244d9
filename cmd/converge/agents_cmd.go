package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/convergehq/converge/pkg/agents"
	"github.com/convergehq/converge/pkg/model"
)

func runAgentsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: converge agents <policy|authorize|approve>")
		return 2
	}
	switch args[0] {
	case "policy":
		return runAgentsPolicy(args[1:], stdout, stderr)
	case "authorize":
		return runAgentsAuthorize(args[1:], stdout, stderr)
	case "approve":
		return runAgentsApprove(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown agents command: %s\n", args[0])
		return 2
	}
}

// runAgentsPolicy shows, lists, or updates agent policies. With only
// --agent it prints the stored (or default) policy; with limit flags it
// writes a new one.
func runAgentsPolicy(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agents policy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID      string
		tenantID     string
		set          bool
		atl          int
		maxRisk      float64
		maxBlast     string
		allowActions string
		requireHuman bool
		requireDual  bool
	)
	cmd.StringVar(&agentID, "agent", "", "Agent id; omit to list all")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.BoolVar(&set, "set", false, "Write the policy instead of reading it")
	cmd.IntVar(&atl, "atl", 0, "Autonomy tier level")
	cmd.Float64Var(&maxRisk, "max-risk", 50, "Max allowed risk score")
	cmd.StringVar(&maxBlast, "max-blast", "medium", "Max blast severity: low|medium|high|critical")
	cmd.StringVar(&allowActions, "actions", "analyze", "Comma-separated allowed actions")
	cmd.BoolVar(&requireHuman, "require-human", true, "Require a human approval")
	cmd.BoolVar(&requireDual, "require-dual-critical", true, "Require 2 approvals on critical intents")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	svc := a.agentsService()
	if agentID == "" {
		policies, err := svc.ListPolicies(ctx, tenantID)
		if err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, policies)
	}

	if set {
		pol := model.AgentPolicy{
			AgentID:                     agentID,
			TenantID:                    tenantID,
			ATL:                         atl,
			MaxRiskScore:                maxRisk,
			MaxBlastSeverity:            maxBlast,
			RequireHumanApproval:        requireHuman,
			RequireDualApprovalCritical: requireDual,
			AllowActions:                splitList(allowActions),
		}
		if err := svc.SetPolicy(ctx, pol); err != nil {
			return fail(stderr, err)
		}
		return printJSON(stdout, pol)
	}

	pol, err := svc.GetPolicy(ctx, agentID, tenantID)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, pol)
}

func runAgentsAuthorize(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agents authorize", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID   string
		action    string
		intentID  string
		tenantID  string
		approvals int
		tokens    string
	)
	cmd.StringVar(&agentID, "agent", "", "Agent id (REQUIRED)")
	cmd.StringVar(&action, "action", "", "Action to authorize (REQUIRED)")
	cmd.StringVar(&intentID, "id", "", "Intent id (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.IntVar(&approvals, "approvals", 0, "Human approvals already collected")
	cmd.StringVar(&tokens, "tokens", "", "Comma-separated signed approval tokens")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" || action == "" || intentID == "" {
		fmt.Fprintln(stderr, "Error: --agent, --action, and --id are required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	auth, err := a.agentsService().Authorize(ctx, agents.AuthorizeRequest{
		AgentID:        agentID,
		Action:         action,
		IntentID:       intentID,
		TenantID:       tenantID,
		HumanApprovals: approvals,
		ApprovalTokens: splitList(tokens),
	})
	if err != nil {
		return fail(stderr, err)
	}
	code := printJSON(stdout, auth)
	if code == 0 && !auth.Allowed {
		return 1
	}
	return code
}

// runAgentsApprove issues a signed approval token for an intent. The
// token is printed on its own line so shells can capture it.
func runAgentsApprove(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agents approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		intentID string
		approver string
	)
	cmd.StringVar(&intentID, "id", "", "Intent id (REQUIRED)")
	cmd.StringVar(&approver, "by", "", "Approver identity (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if intentID == "" || approver == "" {
		fmt.Fprintln(stderr, "Error: --id and --by are required")
		return 2
	}
	secret := strings.TrimSpace(approvalSecret())
	if secret == "" {
		fmt.Fprintln(stderr, "Error: CONVERGE_APPROVAL_SECRET is not set")
		return 1
	}

	verifier := agents.NewApprovalVerifier([]byte(secret), approvalTokenTTL)
	token, err := verifier.Issue(intentID, approver)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}
