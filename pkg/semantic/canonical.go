// Package semantic fingerprints intents as vectors and detects
// cross-plan conflicts: two active intents aimed at the same branch
// whose semantic content overlaps enough to suggest duplicated or
// colliding work.
package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/store"
)

// BuildCanonicalText produces a stable text representation of an
// intent and its context. Sections are emitted in fixed order and keys
// are sorted, so the same input always produces the same output and
// checksum. Text is NFC-normalized before joining.
func BuildCanonicalText(intent model.Intent, links []store.CommitLink, coupling []risk.Coupling) string {
	var parts []string

	parts = append(parts,
		"intent:"+intent.ID,
		"source:"+intent.Source,
		"target:"+intent.Target,
		"risk:"+string(intent.RiskLevel),
	)
	if plan := model.Str(intent.Semantic["plan_id"]); plan != "" {
		parts = append(parts, "plan:"+plan)
	}

	parts = append(parts, semanticParts(intent)...)
	parts = append(parts, contextParts(intent, links, coupling)...)

	return norm.NFC.String(strings.Join(parts, "\n"))
}

// BuildSemanticText is the embedding input: canonical content without
// the intent's own identity, so two distinct intents describing the
// same work land close together.
func BuildSemanticText(intent model.Intent, links []store.CommitLink, coupling []risk.Coupling) string {
	var parts []string

	parts = append(parts,
		"source:"+intent.Source,
		"target:"+intent.Target,
		"risk:"+string(intent.RiskLevel),
	)
	parts = append(parts, semanticParts(intent)...)
	parts = append(parts, contextParts(intent, links, coupling)...)

	return norm.NFC.String(strings.Join(parts, "\n"))
}

func semanticParts(intent model.Intent) []string {
	var parts []string
	keys := make([]string, 0, len(intent.Semantic))
	for k := range intent.Semantic {
		if k == "plan_id" || k == "origin_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := model.Str(intent.Semantic[k]); v != "" {
			parts = append(parts, fmt.Sprintf("semantic.%s:%s", k, v))
		}
	}
	return parts
}

func contextParts(intent model.Intent, links []store.CommitLink, coupling []risk.Coupling) []string {
	var parts []string

	scope := model.StringSlice(intent.Technical["scope_hint"])
	sort.Strings(scope)
	for _, s := range scope {
		parts = append(parts, "scope:"+s)
	}

	deps := append([]string(nil), intent.Dependencies...)
	sort.Strings(deps)
	for _, dep := range deps {
		parts = append(parts, "dep:"+dep)
	}

	sorted := append([]store.CommitLink(nil), links...)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].SHA != sorted[b].SHA {
			return sorted[a].SHA < sorted[b].SHA
		}
		return sorted[a].Role < sorted[b].Role
	})
	for _, l := range sorted {
		parts = append(parts, fmt.Sprintf("link:%s:%s", l.SHA, l.Role))
	}

	pairs := append([]risk.Coupling(nil), coupling...)
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].FileA != pairs[b].FileA {
			return pairs[a].FileA < pairs[b].FileA
		}
		return pairs[a].FileB < pairs[b].FileB
	})
	for _, c := range pairs {
		parts = append(parts, fmt.Sprintf("coupling:%s:%s:%d", c.FileA, c.FileB, c.CoChanges))
	}
	return parts
}

// CanonicalChecksum is the SHA-256 hex digest of the canonical text.
func CanonicalChecksum(canonicalText string) string {
	sum := sha256.Sum256([]byte(canonicalText))
	return hex.EncodeToString(sum[:])
}
