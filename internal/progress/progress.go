package progress

import "owleval/internal/domain"

// ExperimentStats carries the counts progress is computed from. Submission counts are expected
// to be already narrowed to valid participants.
type ExperimentStats struct {
	ExperimentID               string                   `json:"experiment_id"`
	Slug                       string                   `json:"slug"`
	Name                       string                   `json:"name"`
	EvaluationMode             domain.EvaluationMode    `json:"evaluation_mode"`
	Config                     *domain.ExperimentConfig `json:"-"`
	ProlificStudyID            string                   `json:"prolific_study_id,omitempty"`
	Status                     domain.ExperimentStatus  `json:"status"`
	ComparisonTaskCount        int                      `json:"comparison_task_count"`
	SingleVideoTaskCount       int                      `json:"single_video_task_count"`
	ComparisonSubmissionCount  int                      `json:"comparison_submission_count"`
	SingleVideoSubmissionCount int                      `json:"single_video_submission_count"`
}

// TaskCount sums both mode counters so a malformed dual-mode experiment still totals.
func (s ExperimentStats) TaskCount() int {
	return s.ComparisonTaskCount + s.SingleVideoTaskCount
}

func (s ExperimentStats) ActualEvaluations() int {
	return s.ComparisonSubmissionCount + s.SingleVideoSubmissionCount
}

// TargetEvaluations is tasks times evaluations-per-task. It is not clamped and goes negative
// when evaluationsPerComparison is missing.
func TargetEvaluations(s ExperimentStats) int {
	return s.TaskCount() * ResolveEvaluationsPerComparison(s.Config)
}

// ProgressPercentage is actual/target*100 capped at 100. A zero target yields 0. Values below
// zero are left alone.
func ProgressPercentage(s ExperimentStats) float64 {
	return percentage(s.ActualEvaluations(), TargetEvaluations(s))
}

func percentage(actual, target int) float64 {
	if target == 0 {
		return 0
	}
	raw := float64(actual) / float64(target) * 100
	if raw > 100 {
		return 100
	}
	return raw
}

type Aggregate struct {
	TotalEvaluations       int     `json:"total_evaluations"`
	TotalTargetEvaluations int     `json:"total_target_evaluations"`
	ProgressPercentage     float64 `json:"progress_percentage"`
}

// AggregateProgress sums actuals and targets, negative targets included, then applies the same
// rule as ProgressPercentage to the totals.
func AggregateProgress(stats []ExperimentStats) Aggregate {
	var agg Aggregate
	for _, s := range stats {
		agg.TotalEvaluations += s.ActualEvaluations()
		agg.TotalTargetEvaluations += TargetEvaluations(s)
	}
	agg.ProgressPercentage = percentage(agg.TotalEvaluations, agg.TotalTargetEvaluations)
	return agg
}

// Summary is the rendered form shared by the dashboard API and the CLI.
type Summary struct {
	ExperimentID             string                  `json:"experiment_id"`
	Slug                     string                  `json:"slug"`
	Name                     string                  `json:"name"`
	EvaluationMode           domain.EvaluationMode   `json:"evaluation_mode"`
	Status                   domain.ExperimentStatus `json:"status"`
	ProlificStudyID          string                  `json:"prolific_study_id,omitempty"`
	TaskCount                int                     `json:"task_count"`
	EvaluationsPerComparison int                     `json:"evaluations_per_comparison"`
	Misconfigured            bool                    `json:"misconfigured"`
	ActualEvaluations        int                     `json:"actual_evaluations"`
	TargetEvaluations        int                     `json:"target_evaluations"`
	ProgressPercentage       float64                 `json:"progress_percentage"`
}

func Summarize(s ExperimentStats) Summary {
	perTask := ResolveEvaluationsPerComparison(s.Config)
	_, strictErr := RequireEvaluationsPerComparison(s.Config)
	return Summary{
		ExperimentID:             s.ExperimentID,
		Slug:                     s.Slug,
		Name:                     s.Name,
		EvaluationMode:           s.EvaluationMode,
		Status:                   s.Status,
		ProlificStudyID:          s.ProlificStudyID,
		TaskCount:                s.TaskCount(),
		EvaluationsPerComparison: perTask,
		Misconfigured:            strictErr != nil,
		ActualEvaluations:        s.ActualEvaluations(),
		TargetEvaluations:        TargetEvaluations(s),
		ProgressPercentage:       ProgressPercentage(s),
	}
}
