// Package audit implements the tamper-evident hash chain over the event
// log. Each event's hash commits to the previous hash, the event identity
// fields, and the canonical JSON form of its payload, so any rewrite of
// history breaks every later link.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/convergehq/converge/pkg/model"
)

// GenesisHash anchors an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CanonicalPayload renders a payload in RFC 8785 canonical JSON so the
// hash is stable across encoders and key orderings.
func CanonicalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(canonical), nil
}

// HashEvent computes the chain hash for an event given the previous hash.
func HashEvent(prev string, e model.Event) (string, error) {
	canonical, err := CanonicalPayload(e.Payload)
	if err != nil {
		return "", err
	}
	material := strings.Join([]string{prev, e.ID, e.Timestamp, e.EventType, canonical}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// ChainHead folds events in append order into the chain head hash.
// An empty slice yields the genesis hash.
func ChainHead(events []model.Event) (string, error) {
	prev := GenesisHash
	for _, e := range events {
		h, err := HashEvent(prev, e)
		if err != nil {
			return "", fmt.Errorf("hash event %s: %w", e.ID, err)
		}
		prev = h
	}
	return prev, nil
}

// VerifyResult is the outcome of a full chain verification.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	EventsHashed int    `json:"events_hashed"`
	HeadHash     string `json:"head_hash"`
	BrokenAt     string `json:"broken_at,omitempty"` // event id of the first bad link
	Reason       string `json:"reason,omitempty"`
}

// VerifyChain recomputes the chain over events in append order and
// compares against the stored head. Events must be in ascending
// timestamp order as returned by an ascending query.
func VerifyChain(events []model.Event, storedHead string, storedCount int) VerifyResult {
	prev := GenesisHash
	for _, e := range events {
		h, err := HashEvent(prev, e)
		if err != nil {
			return VerifyResult{
				Valid:        false,
				EventsHashed: 0,
				BrokenAt:     e.ID,
				Reason:       fmt.Sprintf("hash failure: %v", err),
			}
		}
		prev = h
	}
	res := VerifyResult{EventsHashed: len(events), HeadHash: prev}
	if storedCount != len(events) {
		res.Reason = fmt.Sprintf("event count mismatch: chain state has %d, log has %d", storedCount, len(events))
		return res
	}
	if storedHead != "" && storedHead != prev {
		res.Reason = fmt.Sprintf("head mismatch: stored %s, recomputed %s", short(storedHead), short(prev))
		return res
	}
	res.Valid = true
	return res
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
