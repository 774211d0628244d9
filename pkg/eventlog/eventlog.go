// Package eventlog is the append-side API over the store: it assigns
// event identity, keeps the intents projection in sync, and anchors the
// tamper-evident hash chain over the full log on demand.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/convergehq/converge/pkg/audit"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Log wraps a store with append semantics.
type Log struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.log = l }
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) { lg.now = now }
}

// New builds a Log over an opened store.
func New(s *store.Store, opts ...Option) *Log {
	lg := &Log{store: s, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Store exposes the underlying store for read-side packages.
func (l *Log) Store() *store.Store { return l.store }

// Append persists an event, filling in id and timestamp when absent.
// Appends do not touch the chain anchor; InitializeChain re-anchors
// over the full log.
func (l *Log) Append(ctx context.Context, e model.Event) (model.Event, error) {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(model.ISOFormat)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return model.Event{}, err
	}
	l.log.Debug("event appended",
		"event_id", e.ID, "event_type", e.EventType, "intent_id", e.IntentID)
	return e, nil
}

// Query returns events matching the filter.
func (l *Log) Query(ctx context.Context, f store.EventFilter) ([]model.Event, error) {
	return l.store.QueryEvents(ctx, f)
}

// allEvents returns the full log in the chain's canonical order.
func (l *Log) allEvents(ctx context.Context) ([]model.Event, error) {
	return l.store.QueryEvents(ctx, store.EventFilter{
		Limit:     model.QueryLimitUnbounded,
		Ascending: true,
	})
}

// InitializeChain anchors the hash chain over the full event log and
// persists the head. The anchor event is appended first, so the stored
// head covers it. Safe to re-run: re-initializing re-anchors after
// pruning or after verification events have drifted the count.
func (l *Log) InitializeChain(ctx context.Context) (store.ChainState, error) {
	prior, existed, err := l.store.GetChainState(ctx, store.ChainMain)
	if err != nil {
		return store.ChainState{}, err
	}
	payload := map[string]any{"reinitialized": existed}
	if existed {
		payload["previous_count"] = prior.EventCount
	}
	if _, err := l.Append(ctx, model.Event{
		EventType: model.EventChainInitialized,
		Payload:   payload,
	}); err != nil {
		return store.ChainState{}, err
	}

	events, err := l.allEvents(ctx)
	if err != nil {
		return store.ChainState{}, err
	}
	head, err := audit.ChainHead(events)
	if err != nil {
		return store.ChainState{}, err
	}
	cs := store.ChainState{
		ChainID:    store.ChainMain,
		HeadHash:   head,
		EventCount: len(events),
	}
	if err := l.store.PutChainState(ctx, cs); err != nil {
		return store.ChainState{}, err
	}
	l.log.Info("audit chain anchored", "event_count", cs.EventCount)
	return cs, nil
}

// VerifyChain recomputes the full chain against the anchored head and
// emits a verification event with the outcome. The outcome event joins
// the log after the result is computed, so the anchored count trails
// the total until the next InitializeChain.
func (l *Log) VerifyChain(ctx context.Context) (audit.VerifyResult, error) {
	events, err := l.allEvents(ctx)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	cs, ok, err := l.store.GetChainState(ctx, store.ChainMain)
	if err != nil {
		return audit.VerifyResult{}, err
	}

	var res audit.VerifyResult
	if !ok {
		head, herr := audit.ChainHead(events)
		if herr != nil {
			return audit.VerifyResult{}, herr
		}
		res = audit.VerifyResult{
			EventsHashed: len(events),
			HeadHash:     head,
			Reason:       "chain not initialized",
		}
	} else {
		res = audit.VerifyChain(events, cs.HeadHash, cs.EventCount)
	}

	outcome := model.EventChainVerified
	if !res.Valid {
		outcome = model.EventChainTamperDetected
		l.log.Warn("audit chain verification failed",
			"reason", res.Reason, "broken_at", res.BrokenAt)
	}
	_, err = l.Append(ctx, model.Event{
		EventType: outcome,
		Payload: map[string]any{
			"valid":         res.Valid,
			"events_hashed": res.EventsHashed,
			"head_hash":     res.HeadHash,
			"broken_at":     res.BrokenAt,
			"reason":        res.Reason,
		},
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// AppendIntentEvent persists the intent projection alongside its event.
func (l *Log) AppendIntentEvent(ctx context.Context, in model.Intent, e model.Event) (model.Event, error) {
	if err := l.store.PutIntent(ctx, in); err != nil {
		return model.Event{}, err
	}
	e.IntentID = in.ID
	if e.TenantID == "" {
		e.TenantID = in.TenantID
	}
	return l.Append(ctx, e)
}
