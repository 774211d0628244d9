package semantic

import (
	"context"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/store"
)

// CouplingLoader supplies co-change data to enrich embedding input.
type CouplingLoader func(ctx context.Context) []risk.Coupling

// Indexer maintains intent embeddings: intent → canonical text →
// checksum → vector → store.
type Indexer struct {
	events   *eventlog.Log
	provider Provider
	coupling CouplingLoader
	now      func() time.Time
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithProvider overrides the embedding provider.
func WithProvider(p Provider) IndexerOption {
	return func(i *Indexer) { i.provider = p }
}

// WithCouplingLoader supplies archaeology data for embedding input.
func WithCouplingLoader(l CouplingLoader) IndexerOption {
	return func(i *Indexer) { i.coupling = l }
}

// NewIndexer builds an indexer; the deterministic provider is the
// default.
func NewIndexer(events *eventlog.Log, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		events:   events,
		provider: NewDeterministicProvider(DefaultDimension),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// IndexResult reports what happened to one intent.
type IndexResult struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"` // indexed / skipped / error
	Reason   string `json:"reason,omitempty"`
	Model    string `json:"model,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// IndexIntent generates and persists the embedding for one intent.
// Unchanged canonical text is skipped unless force is set.
func (idx *Indexer) IndexIntent(ctx context.Context, intentID string, force bool) (IndexResult, error) {
	intent, err := idx.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		if err == store.ErrIntentNotFound {
			return IndexResult{IntentID: intentID, Status: "error", Reason: "not_found"}, nil
		}
		return IndexResult{}, err
	}

	links, err := idx.events.Store().ListCommitLinks(ctx, intentID)
	if err != nil {
		return IndexResult{}, err
	}
	var coupling []risk.Coupling
	if idx.coupling != nil {
		coupling = idx.coupling(ctx)
	}

	canonical := BuildCanonicalText(intent, links, coupling)
	checksum := CanonicalChecksum(canonical)

	if !force {
		existing, found, gerr := idx.events.Store().GetEmbedding(ctx, intentID, idx.provider.ModelName())
		if gerr != nil {
			return IndexResult{}, gerr
		}
		if found && existing.Checksum == checksum {
			return IndexResult{IntentID: intentID, Status: "skipped", Reason: "up_to_date"}, nil
		}
	}

	semanticText := BuildSemanticText(intent, links, coupling)
	result, err := idx.provider.Embed(semanticText)
	if err != nil {
		return IndexResult{IntentID: intentID, Status: "error", Reason: err.Error()}, nil
	}

	err = idx.events.Store().PutEmbedding(ctx, store.Embedding{
		IntentID: intentID,
		Model:    idx.provider.ModelName(),
		Vector:   result.Vector,
		Dim:      result.Dimension,
		Checksum: checksum,
	})
	if err != nil {
		return IndexResult{}, err
	}

	_, err = idx.events.Append(ctx, model.Event{
		EventType: model.EventEmbeddingGenerated,
		IntentID:  intentID,
		TenantID:  intent.TenantID,
		Payload: map[string]any{
			"model":     idx.provider.ModelName(),
			"dimension": idx.provider.Dimension(),
			"checksum":  checksum,
		},
		Evidence: map[string]any{"canonical_length": len(canonical)},
	})
	if err != nil {
		return IndexResult{}, err
	}
	return IndexResult{
		IntentID: intentID, Status: "indexed",
		Model: idx.provider.ModelName(), Checksum: checksum,
	}, nil
}

// Remove drops the stored embedding for an intent under the current
// provider model. Reports whether one existed.
func (idx *Indexer) Remove(ctx context.Context, intentID string) (bool, error) {
	return idx.events.Store().DeleteEmbedding(ctx, intentID, idx.provider.ModelName())
}

// Status reports embedding coverage for the current provider model.
func (idx *Indexer) Status(ctx context.Context, tenantID string) (store.EmbeddingCoverage, error) {
	return idx.events.Store().GetEmbeddingCoverage(ctx, tenantID, idx.provider.ModelName())
}

// ReindexOpts tune a batch reindex.
type ReindexOpts struct {
	TenantID string
	Force    bool
	DryRun   bool
}

// Reindex re-embeds all intents. Dry-run counts what would change
// without writing.
func (idx *Indexer) Reindex(ctx context.Context, opts ReindexOpts) (map[string]any, error) {
	intents, err := idx.events.Store().ListIntents(ctx, store.IntentFilter{
		TenantID: opts.TenantID, Limit: model.QueryLimitUnbounded,
	})
	if err != nil {
		return nil, err
	}

	indexed, skipped, failed := 0, 0, 0
	var failures []IndexResult
	for _, intent := range intents {
		if opts.DryRun {
			links, lerr := idx.events.Store().ListCommitLinks(ctx, intent.ID)
			if lerr != nil {
				return nil, lerr
			}
			checksum := CanonicalChecksum(BuildCanonicalText(intent, links, nil))
			existing, found, gerr := idx.events.Store().GetEmbedding(ctx, intent.ID, idx.provider.ModelName())
			if gerr != nil {
				return nil, gerr
			}
			if found && existing.Checksum == checksum && !opts.Force {
				skipped++
			} else {
				indexed++
			}
			continue
		}

		result, ierr := idx.IndexIntent(ctx, intent.ID, opts.Force)
		if ierr != nil {
			return nil, ierr
		}
		switch result.Status {
		case "indexed":
			indexed++
		case "skipped":
			skipped++
		default:
			failed++
			failures = append(failures, result)
		}
	}

	summary := map[string]any{
		"total":     len(intents),
		"indexed":   indexed,
		"skipped":   skipped,
		"failed":    failed,
		"model":     idx.provider.ModelName(),
		"dimension": idx.provider.Dimension(),
		"dry_run":   opts.DryRun,
		"tenant_id": opts.TenantID,
		"timestamp": idx.now().UTC().Format(model.ISOFormat),
	}
	if len(failures) > 0 {
		summary["failures"] = failures
	}

	if !opts.DryRun {
		_, err = idx.events.Append(ctx, model.Event{
			EventType: model.EventEmbeddingReindexed,
			TenantID:  opts.TenantID,
			Payload:   summary,
			Evidence:  map[string]any{"total": len(intents), "indexed": indexed},
		})
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}
