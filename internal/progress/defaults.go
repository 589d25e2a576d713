// Package progress computes how much evaluation work an experiment has collected against how
// much it needs. Every function here is a pure computation over already-loaded data.
package progress

import (
	"errors"

	"owleval/internal/domain"
)

// MissingEvaluationsPerComparison is returned when an experiment does not configure how many
// evaluations each task needs. Targets and percentages derived from it go negative.
const MissingEvaluationsPerComparison = -1

var ErrMissingConfig = errors.New("evaluationsPerComparison is not configured")

// ResolveEvaluationsPerComparison returns the configured evaluations-per-task, or the -1
// sentinel when the config, or the field, is absent or null. Configured values are returned
// as-is, including zero and negatives.
func ResolveEvaluationsPerComparison(cfg *domain.ExperimentConfig) int {
	if cfg == nil {
		return MissingEvaluationsPerComparison
	}
	v, ok := cfg.EvaluationsPerComparison.Get()
	if !ok {
		return MissingEvaluationsPerComparison
	}
	return v
}

// RequireEvaluationsPerComparison is the opt-in strict variant used by validation tooling.
func RequireEvaluationsPerComparison(cfg *domain.ExperimentConfig) (int, error) {
	if cfg == nil {
		return 0, ErrMissingConfig
	}
	v, ok := cfg.EvaluationsPerComparison.Get()
	if !ok {
		return 0, ErrMissingConfig
	}
	return v, nil
}
