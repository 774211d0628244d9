package main

import (
	"context"
	"flag"
	"io"
	"os/signal"
	"syscall"

	"github.com/convergehq/converge/pkg/worker"
)

// runWorkerCmd runs the background queue processor until SIGTERM or
// SIGINT, then drains the current batch.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := worker.ConfigFromEnv()
	cmd.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Poll interval")
	cmd.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Max intents per cycle")
	cmd.StringVar(&cfg.Target, "target", cfg.Target, "Target branch")
	cmd.BoolVar(&cfg.AutoConfirm, "auto-confirm", cfg.AutoConfirm, "Execute merges for passing intents")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	w := worker.New(a.engine, a.events, cfg,
		worker.WithReviews(a.reviewsService()),
		worker.WithNotifier(a.notify))
	if err := w.Run(ctx); err != nil {
		return fail(stderr, err)
	}
	return 0
}
