// Package exports builds flat decision datasets from the event stream
// for offline analysis and model retraining. Each record joins an
// intent with its most recent simulation, risk, and policy events.
package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// DecisionRecord is one flat row of the decision dataset.
type DecisionRecord struct {
	IntentID  string `json:"intent_id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level"`
	Priority  int    `json:"priority"`
	Retries   int    `json:"retries"`
	TenantID  string `json:"tenant_id,omitempty"`
	CreatedAt string `json:"created_at"`

	Mergeable         *bool `json:"mergeable"`
	ConflictCount     int   `json:"conflict_count"`
	FilesChangedCount int   `json:"files_changed_count"`

	RiskScore        *float64 `json:"risk_score"`
	DamageScore      *float64 `json:"damage_score"`
	EntropyScore     *float64 `json:"entropy_score"`
	PropagationScore *float64 `json:"propagation_score"`
	ContainmentScore *float64 `json:"containment_score"`

	EntropicLoad    *float64 `json:"entropic_load"`
	ContextualValue *float64 `json:"contextual_value"`
	ComplexityDelta *float64 `json:"complexity_delta"`
	PathDependence  *float64 `json:"path_dependence"`

	BombCount int      `json:"bomb_count"`
	BombTypes []string `json:"bomb_types"`

	PolicyVerdict string `json:"policy_verdict"`
	PolicyProfile string `json:"policy_profile"`

	GraphNodes   *float64 `json:"graph_nodes"`
	GraphEdges   *float64 `json:"graph_edges"`
	GraphDensity *float64 `json:"graph_density"`
}

// Exporter writes decision datasets through a Sink.
type Exporter struct {
	events *eventlog.Log
	sink   Sink
	now    func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithSink selects the destination; local files are the default.
func WithSink(s Sink) Option {
	return func(e *Exporter) { e.sink = s }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter builds an exporter over the event log.
func NewExporter(events *eventlog.Log, opts ...Option) *Exporter {
	e := &Exporter{
		events: events,
		sink:   LocalSink{Dir: ".converge/datasets"},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportOpts tune one export run.
type ExportOpts struct {
	TenantID string
	Format   string // jsonl (default) or csv
	Name     string // object name; defaults to decisions.<format>
}

// ExportResult reports where the dataset landed.
type ExportResult struct {
	Records    int    `json:"records"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
	Timestamp  string `json:"timestamp"`
}

// ExportDecisions builds the dataset and writes it to the sink,
// recording the export in the event log.
func (e *Exporter) ExportDecisions(ctx context.Context, opts ExportOpts) (ExportResult, error) {
	if opts.Format == "" {
		opts.Format = FormatJSONL
	}
	if opts.Format != FormatJSONL && opts.Format != FormatCSV {
		return ExportResult{}, fmt.Errorf("unsupported export format %q", opts.Format)
	}
	if opts.Name == "" {
		opts.Name = "decisions." + opts.Format
	}

	intents, err := e.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: opts.TenantID, Limit: model.QueryLimitUnbounded,
	})
	if err != nil {
		return ExportResult{}, err
	}

	records := make([]DecisionRecord, 0, len(intents))
	for _, intent := range intents {
		rec, rerr := e.buildRecord(ctx, intent)
		if rerr != nil {
			return ExportResult{}, rerr
		}
		records = append(records, rec)
	}

	var data []byte
	if opts.Format == FormatCSV {
		data, err = encodeCSV(records)
	} else {
		data, err = encodeJSONL(records)
	}
	if err != nil {
		return ExportResult{}, err
	}

	location, err := e.sink.Put(ctx, opts.Name, data)
	if err != nil {
		return ExportResult{}, fmt.Errorf("write dataset: %w", err)
	}

	result := ExportResult{
		Records:    len(records),
		Format:     opts.Format,
		OutputPath: location,
		Timestamp:  e.now().UTC().Format(model.ISOFormat),
	}
	_, err = e.events.Append(ctx, model.Event{
		EventType: model.EventDatasetExported,
		TenantID:  opts.TenantID,
		Payload: map[string]any{
			"records":     result.Records,
			"format":      result.Format,
			"output_path": result.OutputPath,
			"timestamp":   result.Timestamp,
		},
		Evidence: map[string]any{"records": result.Records},
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func (e *Exporter) buildRecord(ctx context.Context, intent model.Intent) (DecisionRecord, error) {
	riskPayload, err := e.latestPayload(ctx, model.EventRiskEvaluated, intent.ID)
	if err != nil {
		return DecisionRecord{}, err
	}
	simPayload, err := e.latestPayload(ctx, model.EventSimulationCompleted, intent.ID)
	if err != nil {
		return DecisionRecord{}, err
	}
	policyPayload, err := e.latestPayload(ctx, model.EventPolicyEvaluated, intent.ID)
	if err != nil {
		return DecisionRecord{}, err
	}
	signals, _ := riskPayload["signals"].(map[string]any)
	graph, _ := riskPayload["graph_metrics"].(map[string]any)

	rec := DecisionRecord{
		IntentID:  intent.ID,
		Source:    intent.Source,
		Target:    intent.Target,
		Status:    string(intent.Status),
		RiskLevel: string(intent.RiskLevel),
		Priority:  intent.Priority,
		Retries:   intent.Retries,
		TenantID:  intent.TenantID,
		CreatedAt: intent.CreatedAt,

		ConflictCount:     len(model.StringSlice(simPayload["conflicts"])),
		FilesChangedCount: len(model.StringSlice(simPayload["files_changed"])),

		RiskScore:        optFloat(riskPayload["risk_score"]),
		DamageScore:      optFloat(riskPayload["damage_score"]),
		EntropyScore:     optFloat(riskPayload["entropy_score"]),
		PropagationScore: optFloat(riskPayload["propagation_score"]),
		ContainmentScore: optFloat(riskPayload["containment_score"]),

		EntropicLoad:    optFloat(signals["entropic_load"]),
		ContextualValue: optFloat(signals["contextual_value"]),
		ComplexityDelta: optFloat(signals["complexity_delta"]),
		PathDependence:  optFloat(signals["path_dependence"]),

		PolicyVerdict: model.Str(policyPayload["verdict"]),
		PolicyProfile: model.Str(policyPayload["profile_used"]),

		GraphNodes:   optFloat(graph["nodes"]),
		GraphEdges:   optFloat(graph["edges"]),
		GraphDensity: optFloat(graph["density"]),
	}
	if v, ok := simPayload["mergeable"].(bool); ok {
		rec.Mergeable = &v
	}
	if bombs, ok := riskPayload["bombs"].([]any); ok {
		rec.BombCount = len(bombs)
		for _, b := range bombs {
			if bm, ok := b.(map[string]any); ok {
				rec.BombTypes = append(rec.BombTypes, model.Str(bm["type"]))
			}
		}
	}
	return rec, nil
}

func (e *Exporter) latestPayload(ctx context.Context, eventType, intentID string) (map[string]any, error) {
	events, err := e.events.Query(ctx, store.EventFilter{
		EventType: eventType, IntentID: intentID, Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return map[string]any{}, nil
	}
	return events[0].Payload, nil
}

func encodeJSONL(records []DecisionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var csvHeader = []string{
	"intent_id", "source", "target", "status", "risk_level", "priority",
	"retries", "tenant_id", "created_at", "mergeable", "conflict_count",
	"files_changed_count", "risk_score", "damage_score", "entropy_score",
	"propagation_score", "containment_score", "entropic_load",
	"contextual_value", "complexity_delta", "path_dependence",
	"bomb_count", "bomb_types", "policy_verdict", "policy_profile",
	"graph_nodes", "graph_edges", "graph_density",
}

func encodeCSV(records []DecisionRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			r.IntentID, r.Source, r.Target, r.Status, r.RiskLevel,
			strconv.Itoa(r.Priority), strconv.Itoa(r.Retries), r.TenantID,
			r.CreatedAt, boolField(r.Mergeable),
			strconv.Itoa(r.ConflictCount), strconv.Itoa(r.FilesChangedCount),
			floatField(r.RiskScore), floatField(r.DamageScore),
			floatField(r.EntropyScore), floatField(r.PropagationScore),
			floatField(r.ContainmentScore), floatField(r.EntropicLoad),
			floatField(r.ContextualValue), floatField(r.ComplexityDelta),
			floatField(r.PathDependence), strconv.Itoa(r.BombCount),
			strings.Join(r.BombTypes, ","), r.PolicyVerdict, r.PolicyProfile,
			floatField(r.GraphNodes), floatField(r.GraphEdges),
			floatField(r.GraphDensity),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func optFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	}
	return nil
}

func boolField(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
