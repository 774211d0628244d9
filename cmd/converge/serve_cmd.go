package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convergehq/converge/pkg/auth"
	"github.com/convergehq/converge/pkg/observability"
	"github.com/convergehq/converge/pkg/webhook"
)

// runServeCmd starts the HTTP server: webhook ingestion plus a small
// operational read surface. Shuts down gracefully on SIGTERM/SIGINT.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides config)")
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

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "converge",
		ServiceVersion: "1.0.0",
		Environment:    a.cfg.Telemetry.Environment,
		OTLPEndpoint:   a.cfg.Telemetry.OTLPEndpoint,
		SampleRate:     a.cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        a.cfg.Telemetry.Enabled,
		Insecure:       a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fail(stderr, err)
	}
	defer telemetry.Shutdown(context.Background()) //nolint:errcheck

	if addr == "" {
		addr = a.cfg.Webhook.ListenAddr
	}

	registry := auth.LoadRegistry()
	limiter := auth.NewRateLimiter(10, 30)

	processor := webhook.NewProcessor(a.events, a.engine,
		webhook.WithLogger(slog.Default().With("component", "webhook")))
	hook := webhook.NewHandler(processor,
		os.Getenv("CONVERGE_WEBHOOK_SECRET"), a.cfg.Webhook.RequireSignature)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/github", hook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.Handle("/api/queue/state",
		auth.Middleware(registry, auth.RoleViewer)(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				state, err := a.proj.QueueState(r.Context(), r.URL.Query().Get("tenant_id"))
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, state)
			})))
	mux.Handle("/api/compliance/report",
		auth.Middleware(registry, auth.RoleViewer)(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				p, _ := auth.FromContext(r.Context())
				tid, err := auth.EnforceTenant(r.URL.Query().Get("tenant_id"), p)
				if err != nil && !errors.Is(err, auth.ErrTenantRequired) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				report, rerr := a.proj.ComplianceReport(r.Context(), tid)
				if rerr != nil {
					http.Error(w, rerr.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, report)
			})))

	server := &http.Server{
		Addr:              addr,
		Handler:           auth.RequestID(limiter.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintln(stdout, "server stopped")
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		return fail(stderr, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
