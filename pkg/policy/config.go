// Package policy decides whether an evaluated intent may merge. Three
// built-in gates (verification, containment, entropy) run per risk
// profile; the composite risk gate rolls out gradually via deterministic
// bucketing; operators can add custom CEL gates through configuration.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/convergehq/converge/pkg/model"
)

// ConfigVersionConstraint is the config schema versions this build accepts.
const ConfigVersionConstraint = "^1.0.0"

// Config is the loaded policy configuration: per-level profiles, queue
// behavior, risk gate thresholds, and optional custom gates.
type Config struct {
	Version  string                            `json:"version,omitempty"`
	Profiles map[model.RiskLevel]model.Profile `json:"profiles"`
	Queue    QueueConfig                       `json:"queue"`
	Risk     map[string]float64                `json:"risk"`
	Custom   []CustomGate                      `json:"custom_gates,omitempty"`
}

// QueueConfig bounds queue processing.
type QueueConfig struct {
	MaxRetries    int    `json:"max_retries"`
	DefaultTarget string `json:"default_target"`
}

// CustomGate is an operator-defined gate: a CEL expression over the
// evaluation context that must evaluate to true for the gate to pass.
type CustomGate struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Reason     string `json:"reason,omitempty"`
}

// ProfileFor returns the profile for a risk level, falling back to medium.
func (c Config) ProfileFor(level model.RiskLevel) model.Profile {
	if p, ok := c.Profiles[level]; ok {
		return p
	}
	return c.Profiles[model.RiskMedium]
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	return Config{
		Version:  "1.0.0",
		Profiles: model.DefaultProfiles(),
		Queue:    QueueConfig{MaxRetries: model.MaxRetries, DefaultTarget: model.DefaultTargetBranch},
		Risk:     model.DefaultRiskThresholds(),
	}
}

const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"version": {"type": "string"},
		"profiles": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"entropy_budget": {"type": "number", "minimum": 0},
					"containment_min": {"type": "number", "minimum": 0, "maximum": 1},
					"blast_limit": {"type": "number", "minimum": 0},
					"checks": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"queue": {
			"type": "object",
			"properties": {
				"max_retries": {"type": "integer", "minimum": 0},
				"default_target": {"type": "string", "minLength": 1}
			}
		},
		"risk": {
			"type": "object",
			"additionalProperties": {"type": "number", "minimum": 0}
		},
		"custom_gates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "expression"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"expression": {"type": "string", "minLength": 1},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("policy-config.json", configSchema)

// LoadConfig reads policy configuration. An explicit path is tried
// first, then the conventional locations; the first file found is
// validated and merged over the embedded defaults. No file at all is
// not an error — defaults apply.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()

	var candidates []string
	if configPath != "" {
		candidates = append(candidates, configPath)
	}
	candidates = append(candidates,
		".converge/policy.json", "policy.json", "policy.default.json")

	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, fmt.Errorf("read policy config %s: %w", p, err)
		}
		if err := mergeConfig(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("policy config %s: %w", p, err)
		}
		break
	}
	return cfg, nil
}

func mergeConfig(cfg *Config, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	var overlay struct {
		Version  string                            `json:"version"`
		Profiles map[model.RiskLevel]model.Profile `json:"profiles"`
		Queue    *QueueConfig                      `json:"queue"`
		Risk     map[string]float64                `json:"risk"`
		Custom   []CustomGate                      `json:"custom_gates"`
	}
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if overlay.Version != "" {
		v, err := semver.NewVersion(strings.TrimPrefix(overlay.Version, "v"))
		if err != nil {
			return fmt.Errorf("config version %q: %w", overlay.Version, err)
		}
		constraint, err := semver.NewConstraint(ConfigVersionConstraint)
		if err != nil {
			return err
		}
		if !constraint.Check(v) {
			return fmt.Errorf("config version %s outside supported range %s",
				overlay.Version, ConfigVersionConstraint)
		}
		cfg.Version = overlay.Version
	}
	for level, p := range overlay.Profiles {
		cfg.Profiles[level] = p
	}
	if overlay.Queue != nil {
		if overlay.Queue.MaxRetries > 0 {
			cfg.Queue.MaxRetries = overlay.Queue.MaxRetries
		}
		if overlay.Queue.DefaultTarget != "" {
			cfg.Queue.DefaultTarget = overlay.Queue.DefaultTarget
		}
	}
	for k, v := range overlay.Risk {
		cfg.Risk[k] = v
	}
	if len(overlay.Custom) > 0 {
		cfg.Custom = overlay.Custom
	}
	return nil
}
