// Package notify delivers outbound event notifications over HTTP
// webhooks. Dispatch is best-effort and never propagates failures into
// the calling lifecycle; delivery outcomes land in the event log.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/flags"
	"github.com/convergehq/converge/pkg/model"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Converge-Signature"

const requestTimeout = 10 * time.Second

// Adapter delivers one notification to a channel.
type Adapter interface {
	Send(ctx context.Context, channel, eventType string, payload map[string]any) bool
	Available() bool
}

// Dispatcher routes notifications through the configured adapter,
// honoring the notifications feature flag and its rollout mode.
type Dispatcher struct {
	flags   *flags.Registry
	adapter Adapter
	logger  *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAdapter overrides the delivery adapter.
func WithAdapter(a Adapter) DispatcherOption {
	return func(d *Dispatcher) { d.adapter = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher builds a dispatcher; the webhook adapter is the
// default.
func NewDispatcher(registry *flags.Registry, events *eventlog.Log, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		flags:   registry,
		adapter: NewWebhookAdapter(events),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify fires one notification. Never returns an error: a lost
// notification must not fail a merge.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, payload map[string]any, channel string) {
	if channel == "" {
		channel = "default"
	}
	if d.flags != nil && !d.flags.IsEnabled("notifications") {
		return
	}
	if d.flags != nil && d.flags.Mode("notifications") == "shadow" {
		d.logger.Debug("shadow notification", "event_type", eventType, "channel", channel)
		return
	}
	if !d.adapter.Send(ctx, channel, eventType, payload) {
		d.logger.Warn("notification dispatch failed", "event_type", eventType, "channel", channel)
	}
}

// WebhookAdapter POSTs JSON notifications with HMAC-SHA256 signing.
type WebhookAdapter struct {
	events *eventlog.Log
	urls   map[string]string
	secret string
	client *http.Client
	sleep  func(time.Duration)
}

// NewWebhookAdapter builds an adapter from config and environment.
// Channel URLs come from .converge/notifications.json (key "webhooks")
// or CONVERGE_WEBHOOK_URL; the signing secret from
// CONVERGE_WEBHOOK_SECRET.
func NewWebhookAdapter(events *eventlog.Log) *WebhookAdapter {
	return &WebhookAdapter{
		events: events,
		urls:   loadWebhookConfig(),
		secret: os.Getenv("CONVERGE_WEBHOOK_SECRET"),
		client: &http.Client{Timeout: requestTimeout},
		sleep:  time.Sleep,
	}
}

func loadWebhookConfig() map[string]string {
	for _, path := range []string{".converge/notifications.json", "notifications.json"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg struct {
			Webhooks map[string]string `json:"webhooks"`
		}
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.Webhooks != nil {
			return cfg.Webhooks
		}
	}
	if url := os.Getenv("CONVERGE_WEBHOOK_URL"); url != "" {
		return map[string]string{"default": url}
	}
	return map[string]string{}
}

// Available reports whether a default channel is configured.
func (w *WebhookAdapter) Available() bool {
	return w.urls["default"] != ""
}

// Send POSTs the notification, retrying once after a second. Success
// and terminal failure are both recorded in the event log.
func (w *WebhookAdapter) Send(ctx context.Context, channel, eventType string, payload map[string]any) bool {
	url := w.urls[channel]
	if url == "" {
		url = w.urls["default"]
	}
	if url == "" {
		return false
	}

	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"payload":    payload,
		"timestamp":  model.NowISO(),
	})
	if err != nil {
		return false
	}

	for attempt := 0; attempt < 2; attempt++ {
		if w.post(ctx, url, body) {
			w.events.Append(ctx, model.Event{ //nolint:errcheck
				EventType: model.EventNotificationSent,
				Payload: map[string]any{
					"channel":    channel,
					"event_type": eventType,
					"url":        url,
				},
			})
			return true
		}
		if attempt == 0 {
			w.sleep(time.Second)
		}
	}

	w.events.Append(ctx, model.Event{ //nolint:errcheck
		EventType: model.EventNotificationFailed,
		Payload: map[string]any{
			"channel":    channel,
			"event_type": eventType,
			"url":        url,
		},
	})
	return false
}

func (w *WebhookAdapter) post(ctx context.Context, url string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
