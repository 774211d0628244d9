// Package flags is the central feature flag registry. Every optional
// capability can be toggled without code changes: defaults → config
// file → environment, highest wins. Flags carry an optional mode for
// gradual rollout (shadow observes, enforce acts).
package flags

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
)

// State is the resolved value of one flag.
type State struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Mode        string `json:"mode,omitempty"` // shadow or enforce
	Description string `json:"description,omitempty"`
	Source      string `json:"source"` // default / config / env / api
}

type defaultDef struct {
	enabled     bool
	mode        string
	description string
}

var flagDefaults = map[string]defaultDef{
	"intent_links":         {enabled: true, description: "Track commit-intent links"},
	"archaeology_enhanced": {enabled: true, description: "Enhanced git history analysis"},
	"intent_semantics":     {enabled: true, description: "Semantic embeddings and similarity"},
	"origin_policy":        {enabled: true, description: "Origin-type policy overrides"},
	"verification_debt":    {enabled: true, description: "Verification debt tracking"},
	"review_tasks":         {enabled: true, description: "Human review task workflow"},
	"security_adapters":    {enabled: true, description: "Security scanner integration"},
	"intake_control":       {enabled: true, description: "Adaptive intake throttling"},
	"semantic_conflicts":   {enabled: true, mode: "shadow", description: "Semantic conflict detection"},
	"audit_chain":          {enabled: true, description: "Event tamper-evidence chain"},
	"advisory_locks":       {enabled: true, description: "Queue advisory locking"},
	"notifications":        {enabled: true, description: "Outbound webhook notifications"},
	"risk_auto_classify":   {enabled: true, description: "Automatic risk level reclassification"},
	"code_ownership":       {enabled: false, description: "Code-area ownership SoD enforcement"},
	"coherence_feedback":   {enabled: false, description: "Cross-intent coherence feedback"},
	"pre_eval_harness":     {enabled: false, mode: "shadow", description: "Pre-submission evaluation harness"},
}

// Registry resolves and caches flag state for a process.
type Registry struct {
	mu     sync.RWMutex
	flags  map[string]*State
	events *eventlog.Log
	loaded bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventLog records flag changes in the event log.
func WithEventLog(events *eventlog.Log) Option {
	return func(r *Registry) { r.events = events }
}

// NewRegistry builds an unloaded registry; flags resolve lazily.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{flags: map[string]*State{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) ensureLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		r.loadLocked()
	}
}

func (r *Registry) loadLocked() {
	r.flags = map[string]*State{}
	for name, def := range flagDefaults {
		r.flags[name] = &State{
			Name: name, Enabled: def.enabled, Mode: def.mode,
			Description: def.description, Source: "default",
		}
	}

	for _, path := range []string{".converge/flags.json", "flags.json"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err == nil {
			for name, msg := range raw {
				state, ok := r.flags[name]
				if !ok {
					continue
				}
				var b bool
				if err := json.Unmarshal(msg, &b); err == nil {
					state.Enabled = b
					state.Source = "config"
					continue
				}
				var obj struct {
					Enabled *bool  `json:"enabled"`
					Mode    string `json:"mode"`
				}
				if err := json.Unmarshal(msg, &obj); err == nil {
					if obj.Enabled != nil {
						state.Enabled = *obj.Enabled
					}
					if obj.Mode != "" {
						state.Mode = obj.Mode
					}
					state.Source = "config"
				}
			}
		}
		break
	}

	for name, state := range r.flags {
		envKey := "CONVERGE_FF_" + strings.ToUpper(name)
		if v, ok := os.LookupEnv(envKey); ok {
			state.Enabled = truthy(v)
			state.Source = "env"
		}
		if v, ok := os.LookupEnv(envKey + "_MODE"); ok {
			state.Mode = v
		}
	}
	r.loaded = true
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// IsEnabled reports whether a flag is on. Unknown flags default to
// enabled so new capabilities never dark-launch disabled.
func (r *Registry) IsEnabled(name string) bool {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return true
	}
	return state.Enabled
}

// Mode returns the rollout mode for a flag, empty when unset.
func (r *Registry) Mode(name string) string {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.flags[name]; ok {
		return state.Mode
	}
	return ""
}

// Get returns the full flag state.
func (r *Registry) Get(name string) (State, bool) {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// List returns all flags sorted by name.
func (r *Registry) List() []State {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.flags))
	for _, state := range r.flags {
		out = append(out, *state)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Set changes a flag at runtime and records the change. Nil pointers
// leave the corresponding field untouched.
func (r *Registry) Set(ctx context.Context, name string, enabled *bool, mode *string) (State, bool, error) {
	r.ensureLoaded()
	r.mu.Lock()
	state, ok := r.flags[name]
	if !ok {
		r.mu.Unlock()
		return State{}, false, nil
	}
	if enabled != nil {
		state.Enabled = *enabled
	}
	if mode != nil {
		state.Mode = *mode
	}
	state.Source = "api"
	snapshot := *state
	r.mu.Unlock()

	if r.events != nil {
		_, err := r.events.Append(ctx, model.Event{
			EventType: model.EventFeatureFlagChanged,
			Payload: map[string]any{
				"flag": name, "enabled": snapshot.Enabled, "mode": snapshot.Mode,
			},
		})
		if err != nil {
			return snapshot, true, err
		}
	}
	return snapshot, true, nil
}

// Reload re-resolves all flags from defaults, config, and environment.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
}
