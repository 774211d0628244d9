package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convergehq/converge/pkg/agents"
	"github.com/convergehq/converge/pkg/analytics"
	"github.com/convergehq/converge/pkg/config"
	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/flags"
	"github.com/convergehq/converge/pkg/intake"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/notify"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/projections"
	"github.com/convergehq/converge/pkg/reviews"
	"github.com/convergehq/converge/pkg/scm"
	"github.com/convergehq/converge/pkg/semantic"
	"github.com/convergehq/converge/pkg/store"
)

// app bundles the wired services every subcommand needs.
type app struct {
	cfg    config.Config
	store  *store.Store
	events *eventlog.Log
	engine *engine.Engine
	proj   *projections.Service
	flags  *flags.Registry
	notify *notify.Dispatcher
}

// newApp wires the store, event log, and engine from runtime config.
// The caller closes the returned app.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	var dialect store.Dialect
	switch cfg.Database.Driver {
	case "postgres":
		dialect = &store.PostgresDialect{}
	default:
		dialect = store.SQLiteDialect{}
	}
	st, err := store.Open(dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	events := eventlog.New(st)
	registry := flags.NewRegistry(flags.WithEventLog(events))
	proj := projections.NewService(events)

	policyCfg, err := policy.LoadConfig("")
	if err != nil {
		st.Close()
		return nil, err
	}

	archaeology := analytics.NewService(events)
	intakeCtl := intake.NewController(events, proj, intake.DefaultConfig())

	engineOpts := []engine.Option{
		engine.WithGit(scm.Runner{}),
		engine.WithFlags(registry),
		engine.WithCouplingLoader(archaeology.LoadCouplingData),
		engine.WithAdmission(func(ctx context.Context, in model.Intent) (bool, string, string, error) {
			d, err := intakeCtl.Evaluate(ctx, in)
			if err != nil {
				return false, "", "", err
			}
			return d.Accepted, string(d.Mode), d.Reason, nil
		}),
	}
	if cfg.Database.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Database.RedisAddr})
		engineOpts = append(engineOpts,
			engine.WithLocker(store.NewRedisLocker(client, "converge:queue-lock")))
	}
	eng := engine.New(events, policyCfg, engineOpts...)

	return &app{
		cfg:    cfg,
		store:  st,
		events: events,
		engine: eng,
		proj:   proj,
		flags:  registry,
		notify: notify.NewDispatcher(registry, events),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

// intake returns the admission controller rebuilt over the app's
// services, for the intake subcommand.
func (a *app) intakeController() *intake.Controller {
	return intake.NewController(a.events, a.proj, intake.DefaultConfig())
}

// reviewsService builds the review task service.
func (a *app) reviewsService() *reviews.Service {
	return reviews.NewService(a.events)
}

// analyticsService builds the archaeology service.
func (a *app) analyticsService() *analytics.Service {
	return analytics.NewService(a.events)
}

// approvalTokenTTL bounds how long an issued approval token counts.
const approvalTokenTTL = 24 * time.Hour

// approvalSecret is the HMAC key for approval tokens; empty disables
// token verification.
func approvalSecret() string { return os.Getenv("CONVERGE_APPROVAL_SECRET") }

// agentsService builds the agent authorization service. Approval token
// verification is enabled only when a signing secret is configured.
func (a *app) agentsService() *agents.Service {
	opts := []agents.Option{
		agents.WithCompliance(func(ctx context.Context, tenantID string) (bool, error) {
			report, err := a.proj.ComplianceReport(ctx, tenantID)
			if err != nil {
				return false, err
			}
			return report.Passed, nil
		}),
	}
	if secret := approvalSecret(); secret != "" {
		opts = append(opts,
			agents.WithApprovalVerifier(agents.NewApprovalVerifier([]byte(secret), approvalTokenTTL)))
	}
	return agents.NewService(a.events, opts...)
}

// semanticDetector builds the conflict detector.
func (a *app) semanticDetector() *semantic.Detector {
	return semantic.NewDetector(a.events)
}

// semanticIndexer builds the embedding indexer, fed by the coupling
// snapshot so context sections stay consistent with risk evaluation.
func (a *app) semanticIndexer() *semantic.Indexer {
	arch := a.analyticsService()
	return semantic.NewIndexer(a.events,
		semantic.WithCouplingLoader(arch.LoadCouplingData))
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// printJSON writes v as indented JSON, the output convention for every
// read subcommand.
func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}

// fail prints an error and returns the standard failure code.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
