package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/convergehq/converge/pkg/model"
)

// OwnershipRule maps a glob pattern to its owners.
type OwnershipRule struct {
	Pattern string   `json:"pattern"`
	Owners  []string `json:"owners"`
	Team    string   `json:"team,omitempty"`
}

// OwnershipConfig maps code areas to owners. Strict mode blocks files
// with no matching rule.
type OwnershipConfig struct {
	Rules  []OwnershipRule `json:"rules"`
	Strict bool            `json:"strict"`
}

// OwnersFor returns every owner whose pattern matches the path.
func (c OwnershipConfig) OwnersFor(filePath string) []string {
	var owners []string
	for _, rule := range c.Rules {
		if matchPattern(rule.Pattern, filePath) {
			owners = append(owners, rule.Owners...)
		}
	}
	return owners
}

// matchPattern extends filepath.Match with a trailing "/**" that
// matches any depth under the prefix, the form CODEOWNERS-style rules
// actually use.
func matchPattern(pattern, filePath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return filePath == prefix || strings.HasPrefix(filePath, prefix+"/")
	}
	matched, err := filepath.Match(pattern, filePath)
	return err == nil && matched
}

// IsOwner reports whether the agent owns any of the files.
func (c OwnershipConfig) IsOwner(agentID string, files []string) bool {
	for _, f := range files {
		if contains(c.OwnersFor(f), agentID) {
			return true
		}
	}
	return false
}

// LoadOwnership reads the ownership config, trying the explicit path
// first, then the conventional locations.
func LoadOwnership(configPath string) (OwnershipConfig, error) {
	candidates := []string{}
	if configPath != "" {
		candidates = append(candidates, configPath)
	}
	candidates = append(candidates, ".converge/ownership.json", "ownership.json")

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return OwnershipConfig{}, fmt.Errorf("read ownership config %s: %w", p, err)
		}
		var cfg OwnershipConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return OwnershipConfig{}, fmt.Errorf("parse ownership config %s: %w", p, err)
		}
		return cfg, nil
	}
	return OwnershipConfig{}, nil
}

// SoDResult is the outcome of a separation-of-duties check.
type SoDResult struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason"`
	OwnedFiles []string `json:"owned_files,omitempty"`
}

// CheckSoD enforces separation of duties: an agent cannot approve or
// merge changes in a code area it owns. Violations are recorded.
func (s *Service) CheckSoD(ctx context.Context, agentID string, files []string, action string, cfg OwnershipConfig) (SoDResult, error) {
	if len(cfg.Rules) == 0 {
		return SoDResult{Allowed: true, Reason: "no ownership rules configured"}, nil
	}
	if action == "" {
		action = "approve"
	}

	if cfg.IsOwner(agentID, files) && (action == "approve" || action == "merge") {
		shown := files
		if len(shown) > 20 {
			shown = shown[:20]
		}
		_, err := s.events.Append(ctx, model.Event{
			EventType: model.EventSoDViolation,
			AgentID:   agentID,
			Payload: map[string]any{
				"agent_id": agentID,
				"action":   action,
				"files":    shown,
				"reason":   "agent is owner of touched code area",
			},
		})
		if err != nil {
			return SoDResult{}, err
		}

		var owned []string
		for _, f := range files {
			if contains(cfg.OwnersFor(f), agentID) {
				owned = append(owned, f)
			}
		}
		return SoDResult{
			Allowed:    false,
			Reason:     fmt.Sprintf("SoD violation: %s owns code in touched files", agentID),
			OwnedFiles: owned,
		}, nil
	}
	return SoDResult{Allowed: true, Reason: "no SoD conflict"}, nil
}

// OwnershipSummary maps each file to its owners and reports coverage.
func OwnershipSummary(files []string, cfg OwnershipConfig) map[string]any {
	owned := map[string][]string{}
	var unowned []string
	for _, f := range files {
		owners := cfg.OwnersFor(f)
		if len(owners) > 0 {
			owned[f] = owners
		} else {
			unowned = append(unowned, f)
		}
	}
	total := len(files)
	if total == 0 {
		total = 1
	}
	return map[string]any{
		"owned":    owned,
		"unowned":  unowned,
		"coverage": float64(len(owned)) / float64(total),
	}
}
