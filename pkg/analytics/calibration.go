package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/store"
)

const calibratedProfilesFile = "calibrated_profiles.json"

// CalibrationResult reports one calibration run.
type CalibrationResult struct {
	Profiles   map[model.RiskLevel]model.Profile `json:"calibrated_profiles"`
	DataPoints int                               `json:"data_points"`
	OutputPath string                            `json:"output_path"`
	Timestamp  string                            `json:"timestamp"`
}

// RunCalibration recalibrates policy entropy budgets from the recorded
// risk evaluations, writes the calibrated profiles next to the
// snapshot, and records the run in the event log.
func (s *Service) RunCalibration(ctx context.Context, tenantID string) (CalibrationResult, error) {
	evals, err := s.events.Query(ctx, store.EventFilter{
		EventType: model.EventRiskEvaluated,
		TenantID:  tenantID,
		Limit:     model.QueryLimitLarge,
	})
	if err != nil {
		return CalibrationResult{}, err
	}

	historical := make([]map[string]float64, 0, len(evals))
	for _, e := range evals {
		scores := map[string]float64{}
		for _, key := range []string{"risk_score", "entropy_score", "damage_score",
			"propagation_score", "containment_score"} {
			scores[key] = model.Float(e.Payload[key])
		}
		historical = append(historical, scores)
	}

	cfg, err := policy.LoadConfig("")
	if err != nil {
		return CalibrationResult{}, err
	}
	profiles := policy.Calibrate(historical, cfg.Profiles)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return CalibrationResult{}, err
	}
	outputPath := filepath.Join(s.dir, calibratedProfilesFile)
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return CalibrationResult{}, err
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return CalibrationResult{}, fmt.Errorf("write calibrated profiles: %w", err)
	}

	result := CalibrationResult{
		Profiles:   profiles,
		DataPoints: len(historical),
		OutputPath: outputPath,
		Timestamp:  s.now().UTC().Format(model.ISOFormat),
	}

	payloadProfiles := map[string]any{}
	for level, p := range profiles {
		payloadProfiles[string(level)] = map[string]any{
			"entropy_budget":  p.EntropyBudget,
			"containment_min": p.ContainmentMin,
			"blast_limit":     p.BlastLimit,
		}
	}
	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventCalibrationCompleted,
		TenantID:  tenantID,
		Payload: map[string]any{
			"calibrated_profiles": payloadProfiles,
			"data_points":         result.DataPoints,
			"timestamp":           result.Timestamp,
			"output_path":         result.OutputPath,
		},
		Evidence: map[string]any{"data_points": result.DataPoints},
	})
	if err != nil {
		return result, err
	}
	return result, nil
}
