// Package worker runs the autonomous queue processor: a polling loop
// over VALIDATED intents, meant to run as its own process next to the
// API server. The worker revalidates with cached simulations and
// skipped checks; heavyweight validation happens at submission time.
package worker

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/notify"
	"github.com/convergehq/converge/pkg/reviews"
	"github.com/convergehq/converge/pkg/webhook"
)

// heartbeatEvery is the cycle interval between heartbeat events.
const heartbeatEvery = 12

// Config is the worker's runtime configuration.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Target       string
	AutoConfirm  bool
}

// ConfigFromEnv reads CONVERGE_WORKER_* variables over the defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		PollInterval: 5 * time.Second,
		BatchSize:    20,
		MaxRetries:   model.MaxRetries,
		Target:       model.DefaultTargetBranch,
	}
	if v := envInt("CONVERGE_WORKER_POLL_INTERVAL"); v > 0 {
		cfg.PollInterval = time.Duration(v) * time.Second
	}
	if v := envInt("CONVERGE_WORKER_BATCH_SIZE"); v > 0 {
		cfg.BatchSize = v
	}
	if v := envInt("CONVERGE_WORKER_MAX_RETRIES"); v > 0 {
		cfg.MaxRetries = v
	}
	if v := os.Getenv("CONVERGE_WORKER_TARGET"); v != "" {
		cfg.Target = v
	}
	cfg.AutoConfirm = os.Getenv("CONVERGE_WORKER_AUTO_CONFIRM") == "1"
	return cfg
}

func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

// Worker is the polling queue processor.
type Worker struct {
	engine  *engine.Engine
	events  *eventlog.Log
	reviews *reviews.Service
	notify  *notify.Dispatcher
	publish webhook.PublishFunc
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) bool

	cycles         int
	totalProcessed int
}

// Option configures a Worker.
type Option func(*Worker)

// WithReviews enables the per-cycle review SLA sweep.
func WithReviews(r *reviews.Service) Option {
	return func(w *Worker) { w.reviews = r }
}

// WithPublisher reports decisions back to the forge after each batch.
func WithPublisher(p webhook.PublishFunc) Option {
	return func(w *Worker) { w.publish = p }
}

// WithNotifier sends terminal decisions to the notification channels.
func WithNotifier(d *notify.Dispatcher) Option {
	return func(w *Worker) { w.notify = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New builds a worker over the engine and event log.
func New(eng *engine.Engine, events *eventlog.Log, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		engine: eng,
		events: events,
		cfg:    cfg,
		logger: slog.Default().With("component", "worker"),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled, then drains the current batch and
// shuts down cleanly. The caller wires ctx to SIGTERM/SIGINT.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"target", w.cfg.Target,
		"auto_confirm", w.cfg.AutoConfirm)

	_, err := w.events.Append(ctx, model.Event{
		EventType: model.EventWorkerStarted,
		Payload: map[string]any{
			"poll_interval": w.cfg.PollInterval.Seconds(),
			"batch_size":    w.cfg.BatchSize,
			"pid":           os.Getpid(),
		},
	})
	if err != nil {
		return err
	}

	for {
		w.pollOnce(ctx)
		if !w.sleep(ctx, w.cfg.PollInterval) {
			break
		}
	}
	w.shutdown()
	return nil
}

// pollOnce executes one processing cycle. Errors are logged, never
// fatal; the loop must survive transient store and git failures.
func (w *Worker) pollOnce(ctx context.Context) {
	w.cycles++

	decisions, err := w.engine.ProcessQueue(ctx, engine.QueueOpts{
		Limit:             w.cfg.BatchSize,
		Target:            w.cfg.Target,
		AutoConfirm:       w.cfg.AutoConfirm,
		MaxRetries:        w.cfg.MaxRetries,
		SkipChecks:        true,
		UseLastSimulation: true,
	})
	if err != nil {
		w.logger.Error("queue processing failed", "cycle", w.cycles, "error", err)
		return
	}

	if n := countProcessed(decisions); n > 0 {
		w.totalProcessed += n
		w.logger.Info("cycle complete", "cycle", w.cycles, "processed", n)
		if w.publish != nil {
			w.publishDecisions(ctx, decisions)
		}
		if w.notify != nil {
			w.notifyDecisions(ctx, decisions)
		}
	}

	if w.reviews != nil {
		if _, err := w.reviews.CheckSLABreaches(ctx, ""); err != nil {
			w.logger.Warn("sla sweep failed", "error", err)
		}
	}

	if w.cycles%heartbeatEvery == 0 {
		_, err := w.events.Append(ctx, model.Event{
			EventType: model.EventWorkerHeartbeat,
			Payload: map[string]any{
				"cycles":          w.cycles,
				"total_processed": w.totalProcessed,
				"pid":             os.Getpid(),
			},
		})
		if err != nil {
			w.logger.Warn("heartbeat append failed", "error", err)
		}
	}
}

// countProcessed ignores the lock-held sentinel decision.
func countProcessed(decisions []engine.Decision) int {
	n := 0
	for _, d := range decisions {
		if d.Err == "" || d.IntentID != "" {
			n++
		}
	}
	return n
}

// publishDecisions reports each decision back to the forge, best
// effort. Intents without a linked repo and base commit are skipped.
func (w *Worker) publishDecisions(ctx context.Context, decisions []engine.Decision) {
	for _, d := range decisions {
		if d.IntentID == "" || d.Decision == "" {
			continue
		}
		intent, err := w.events.Store().GetIntent(ctx, d.IntentID)
		if err != nil {
			continue
		}
		repo := model.Str(intent.Technical["repo"])
		headSHA := model.Str(intent.Technical["initial_base_commit"])
		if repo == "" || headSHA == "" {
			continue
		}
		if err := w.publish(ctx, repo, headSHA, d.IntentID, d.Decision, d.Reason); err != nil {
			w.logger.Warn("decision publish failed",
				"intent_id", d.IntentID, "repo", repo, "error", err)
		}
	}
}

// notifyDecisions pushes terminal outcomes to the notification
// channels. The dispatcher handles flag gating and never raises.
func (w *Worker) notifyDecisions(ctx context.Context, decisions []engine.Decision) {
	for _, d := range decisions {
		switch d.Decision {
		case "merged":
			w.notify.Notify(ctx, model.EventIntentMerged, map[string]any{
				"intent_id": d.IntentID, "merged_commit": d.MergedCommit,
			}, "merges")
		case "rejected":
			w.notify.Notify(ctx, model.EventIntentRejected, map[string]any{
				"intent_id": d.IntentID, "reason": d.Reason, "retries": d.Retries,
			}, "rejections")
		}
	}
}

// shutdown releases the queue lock if this process still holds it and
// records the final counters. Uses a fresh context: the run context is
// already cancelled by the time we get here.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.logger.Info("worker shutting down",
		"cycles", w.cycles, "total_processed", w.totalProcessed)

	if err := w.events.Store().ForceReleaseQueueLock(ctx); err != nil {
		w.logger.Warn("queue lock release failed", "error", err)
	}
	_, err := w.events.Append(ctx, model.Event{
		EventType: model.EventWorkerStopped,
		Payload: map[string]any{
			"cycles":          w.cycles,
			"total_processed": w.totalProcessed,
			"pid":             os.Getpid(),
		},
	})
	if err != nil {
		w.logger.Warn("stop event append failed", "error", err)
	}
}

// Cycles reports completed poll cycles, for tests and monitoring.
func (w *Worker) Cycles() int { return w.cycles }

// TotalProcessed reports intents decided since start.
func (w *Worker) TotalProcessed() int { return w.totalProcessed }

// sleepCtx waits for d or context cancellation; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
