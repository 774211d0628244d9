// Command converge is the merge-coordination control plane CLI: intent
// lifecycle, queue processing, reports, the webhook server, and the
// background worker.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "intent":
		return runIntentCmd(args[2:], stdout, stderr)
	case "simulate":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "queue":
		return runQueueCmd(args[2:], stdout, stderr)
	case "merge":
		return runMergeCmd(args[2:], stdout, stderr)
	case "chain":
		return runChainCmd(args[2:], stdout, stderr)
	case "prune":
		return runPruneCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "debt":
		return runDebtCmd(args[2:], stdout, stderr)
	case "compliance":
		return runComplianceCmd(args[2:], stdout, stderr)
	case "flags":
		return runFlagsCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "archaeology":
		return runArchaeologyCmd(args[2:], stdout, stderr)
	case "calibrate":
		return runCalibrateCmd(args[2:], stdout, stderr)
	case "review":
		return runReviewCmd(args[2:], stdout, stderr)
	case "security":
		return runSecurityCmd(args[2:], stdout, stderr)
	case "intake":
		return runIntakeCmd(args[2:], stdout, stderr)
	case "agents":
		return runAgentsCmd(args[2:], stdout, stderr)
	case "conflicts":
		return runConflictsCmd(args[2:], stdout, stderr)
	case "index":
		return runIndexCmd(args[2:], stdout, stderr)
	case "serve":
		return runServeCmd(args[2:], stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `converge — merge coordination control plane

Usage:
  converge <command> [flags]

Intent lifecycle:
  intent create      Submit a merge intent
  intent list        List intents
  intent show        Show one intent with its event history
  simulate           Simulate a merge without touching the work tree
  validate           Full validation: simulate, checks, risk, policy

Queue:
  queue process      Process VALIDATED intents
  queue inspect      List queue entries
  queue reset        Reset a stuck intent or clear the queue lock
  merge confirm      Confirm a merge for a queued intent

Operations:
  chain init         Anchor the audit chain over the event log
  chain verify       Verify the audit chain
  prune              Delete events older than a cutoff
  health             Repository health report
  debt               Verification debt report
  compliance         Compliance report
  flags              List or set feature flags
  intake             Show or set intake mode
  security scan      Run security scanners
  review             Risk review for one intent
  agents             Agent policies, authorization, approval tokens
  conflicts          Scan, list, or resolve semantic conflicts
  index              Manage intent embeddings

Analytics:
  archaeology        Scan history for hotspots and coupling
  calibrate          Recalibrate policy budgets from history
  export             Export the decision dataset

Services:
  serve              Run the webhook/API server
  worker             Run the background queue worker
`)
}
