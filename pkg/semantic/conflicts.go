package semantic

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Conflict scan thresholds and score weights.
const (
	DefaultSimilarityThreshold = 0.80
	DefaultConflictThreshold   = 0.60

	weightSimilarity = 0.6
	weightTarget     = 0.2
	weightScope      = 0.2
)

// Candidate pairs two intents whose embeddings landed close together.
type Candidate struct {
	IntentA    string  `json:"intent_a"`
	IntentB    string  `json:"intent_b"`
	Similarity float64 `json:"similarity"`
	Target     string  `json:"target"`
}

// ConflictScore is a scored candidate with the heuristic breakdown.
type ConflictScore struct {
	IntentA       string         `json:"intent_a"`
	IntentB       string         `json:"intent_b"`
	Score         float64        `json:"score"`
	Similarity    float64        `json:"similarity"`
	TargetOverlap float64        `json:"target_overlap"`
	ScopeOverlap  float64        `json:"scope_overlap"`
	Target        string         `json:"target"`
	Details       map[string]any `json:"details,omitempty"`
}

// ConflictReport is the full scan result.
type ConflictReport struct {
	Conflicts         []ConflictScore `json:"conflicts"`
	CandidatesChecked int             `json:"candidates_checked"`
	Mode              string          `json:"mode"`
	Threshold         float64         `json:"threshold"`
	Timestamp         string          `json:"timestamp"`
}

// Detector scans active intents for semantic conflicts.
type Detector struct {
	events    *eventlog.Log
	modelName string
	now       func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithModel selects which embedding space to scan.
func WithModel(name string) DetectorOption {
	return func(d *Detector) { d.modelName = name }
}

// NewDetector builds a conflict detector.
func NewDetector(events *eventlog.Log, opts ...DetectorOption) *Detector {
	d := &Detector{events: events, modelName: DefaultModel, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) loadActiveIntents(ctx context.Context, tenantID, target string) ([]model.Intent, error) {
	var out []model.Intent
	for _, status := range []model.Status{model.StatusReady, model.StatusValidated, model.StatusQueued} {
		intents, err := d.events.Store().ListIntents(ctx, store.IntentFilter{
			Status: status, TenantID: tenantID, Limit: model.QueryLimitLarge,
		})
		if err != nil {
			return nil, err
		}
		for _, i := range intents {
			if target == "" || i.Target == target {
				out = append(out, i)
			}
		}
	}
	return out, nil
}

// GenerateCandidates finds intent pairs with high embedding similarity
// aimed at the same target branch. Pairs sharing a plan are skipped:
// intra-plan coherence is the plan generator's problem, not a
// conflict.
func (d *Detector) GenerateCandidates(ctx context.Context, tenantID, target string, similarityThreshold float64) ([]Candidate, error) {
	if similarityThreshold <= 0 {
		similarityThreshold = DefaultSimilarityThreshold
	}
	intents, err := d.loadActiveIntents(ctx, tenantID, target)
	if err != nil || len(intents) < 2 {
		return nil, err
	}

	byTarget := map[string][]model.Intent{}
	for _, i := range intents {
		byTarget[i.Target] = append(byTarget[i.Target], i)
	}

	vectors := map[string][]float64{}
	for _, i := range intents {
		emb, found, gerr := d.events.Store().GetEmbedding(ctx, i.ID, d.modelName)
		if gerr != nil {
			return nil, gerr
		}
		if found && len(emb.Vector) > 0 {
			vectors[i.ID] = emb.Vector
		}
	}

	var candidates []Candidate
	seen := map[[2]string]bool{}
	for tgt, group := range byTarget {
		for i, a := range group {
			for _, b := range group[i+1:] {
				planA := model.Str(a.Semantic["plan_id"])
				planB := model.Str(b.Semantic["plan_id"])
				if planA != "" && planA == planB {
					continue
				}
				pair := orderedPair(a.ID, b.ID)
				if seen[pair] {
					continue
				}
				seen[pair] = true

				va, vb := vectors[a.ID], vectors[b.ID]
				if va == nil || vb == nil {
					continue
				}
				sim := CosineSimilarity(va, vb)
				if sim >= similarityThreshold {
					candidates = append(candidates, Candidate{
						IntentA:    a.ID,
						IntentB:    b.ID,
						Similarity: round4(sim),
						Target:     tgt,
					})
				}
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].Similarity > candidates[b].Similarity
	})
	return candidates, nil
}

func scopeOverlap(a, b model.Intent) float64 {
	scopeA := toSet(model.StringSlice(a.Technical["scope_hint"]))
	scopeB := toSet(model.StringSlice(b.Technical["scope_hint"]))
	if len(scopeA) == 0 && len(scopeB) == 0 {
		return 0
	}
	union := map[string]bool{}
	inter := 0
	for s := range scopeA {
		union[s] = true
		if scopeB[s] {
			inter++
		}
	}
	for s := range scopeB {
		union[s] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

// ScoreConflict weights embedding similarity against target and scope
// overlap: 60% similarity, 20% target, 20% scope.
func ScoreConflict(c Candidate, a, b model.Intent) ConflictScore {
	targetOv := 0.0
	if a.Target == b.Target {
		targetOv = 1.0
	}
	scopeOv := scopeOverlap(a, b)
	score := weightSimilarity*c.Similarity + weightTarget*targetOv + weightScope*scopeOv

	return ConflictScore{
		IntentA:       c.IntentA,
		IntentB:       c.IntentB,
		Score:         round4(score),
		Similarity:    c.Similarity,
		TargetOverlap: targetOv,
		ScopeOverlap:  round4(scopeOv),
		Target:        c.Target,
		Details: map[string]any{
			"w_similarity": weightSimilarity,
			"w_target":     weightTarget,
			"w_scope":      weightScope,
			"plan_a":       model.Str(a.Semantic["plan_id"]),
			"plan_b":       model.Str(b.Semantic["plan_id"]),
			"origin_a":     model.Str(a.Semantic["origin_type"]),
			"origin_b":     model.Str(b.Semantic["origin_type"]),
		},
	}
}

// ScanOpts tune a conflict scan.
type ScanOpts struct {
	TenantID            string
	Target              string
	SimilarityThreshold float64
	ConflictThreshold   float64
	Mode                string // shadow or enforce
}

// Scan runs the full pipeline: candidates, scoring, eventing. Shadow
// mode detects and logs; enforce mode additionally marks conflicts
// actionable for queue gating.
func (d *Detector) Scan(ctx context.Context, opts ScanOpts) (ConflictReport, error) {
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = DefaultConflictThreshold
	}
	if opts.Mode == "" {
		opts.Mode = "shadow"
	}

	candidates, err := d.GenerateCandidates(ctx, opts.TenantID, opts.Target, opts.SimilarityThreshold)
	if err != nil {
		return ConflictReport{}, err
	}

	var scored []ConflictScore
	for _, cand := range candidates {
		a, aerr := d.events.Store().GetIntent(ctx, cand.IntentA)
		if aerr != nil {
			continue
		}
		b, berr := d.events.Store().GetIntent(ctx, cand.IntentB)
		if berr != nil {
			continue
		}

		cs := ScoreConflict(cand, a, b)
		if cs.Score < opts.ConflictThreshold {
			continue
		}
		scored = append(scored, cs)

		_, err = d.events.Append(ctx, model.Event{
			EventType: model.EventSemanticConflictDetected,
			IntentID:  cs.IntentA,
			TenantID:  opts.TenantID,
			Payload: map[string]any{
				"intent_a":       cs.IntentA,
				"intent_b":       cs.IntentB,
				"score":          cs.Score,
				"similarity":     cs.Similarity,
				"target_overlap": cs.TargetOverlap,
				"scope_overlap":  cs.ScopeOverlap,
				"target":         cs.Target,
				"mode":           opts.Mode,
			},
			Evidence: map[string]any{
				"plan_a":             cs.Details["plan_a"],
				"plan_b":             cs.Details["plan_b"],
				"conflict_threshold": opts.ConflictThreshold,
			},
		})
		if err != nil {
			return ConflictReport{}, err
		}
	}

	return ConflictReport{
		Conflicts:         scored,
		CandidatesChecked: len(candidates),
		Mode:              opts.Mode,
		Threshold:         opts.ConflictThreshold,
		Timestamp:         d.now().UTC().Format(model.ISOFormat),
	}, nil
}

// Resolve marks a conflict pair as handled.
func (d *Detector) Resolve(ctx context.Context, intentA, intentB, resolution, resolvedBy, tenantID string) error {
	if resolution == "" {
		resolution = "acknowledged"
	}
	if resolvedBy == "" {
		resolvedBy = "system"
	}
	_, err := d.events.Append(ctx, model.Event{
		EventType: model.EventSemanticConflictResolved,
		IntentID:  intentA,
		TenantID:  tenantID,
		Payload: map[string]any{
			"intent_a":    intentA,
			"intent_b":    intentB,
			"resolution":  resolution,
			"resolved_by": resolvedBy,
		},
	})
	return err
}

// ListOpen returns recent detected conflicts minus resolved pairs.
func (d *Detector) ListOpen(ctx context.Context, tenantID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	detected, err := d.events.Query(ctx, store.EventFilter{
		EventType: model.EventSemanticConflictDetected, TenantID: tenantID, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	resolvedEvents, err := d.events.Query(ctx, store.EventFilter{
		EventType: model.EventSemanticConflictResolved, TenantID: tenantID, Limit: limit * 2,
	})
	if err != nil {
		return nil, err
	}

	resolved := map[[2]string]bool{}
	for _, e := range resolvedEvents {
		resolved[orderedPair(model.Str(e.Payload["intent_a"]), model.Str(e.Payload["intent_b"]))] = true
	}

	var out []map[string]any
	for _, e := range detected {
		pair := orderedPair(model.Str(e.Payload["intent_a"]), model.Str(e.Payload["intent_b"]))
		if !resolved[pair] {
			out = append(out, e.Payload)
		}
	}
	return out, nil
}

func orderedPair(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func toSet(xs []string) map[string]bool {
	set := make(map[string]bool, len(xs))
	for _, x := range xs {
		set[x] = true
	}
	return set
}

func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
