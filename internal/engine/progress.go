package engine

import (
	"context"

	"owleval/internal/domain"
	"owleval/internal/progress"
	"owleval/internal/repo"
)

// FilterOptions returns the configured participant filter.
func (e Engine) FilterOptions() progress.FilterOptions {
	return progress.FilterOptions{IncludeAnonymous: e.config().Progress.IncludeAnonymous}
}

// ExperimentStats loads task counts and the completed submissions of valid participants.
func (e Engine) ExperimentStats(ctx context.Context, exp domain.Experiment, opts progress.FilterOptions) (progress.ExperimentStats, error) {
	tasks, err := e.Repo.CountTasks(ctx, exp.ID)
	if err != nil {
		return progress.ExperimentStats{}, err
	}
	participants, err := e.Repo.ListParticipants(ctx, exp.ID)
	if err != nil {
		return progress.ExperimentStats{}, err
	}
	counts, err := e.Repo.SubmissionCountsByParticipant(ctx, exp.ID)
	if err != nil {
		return progress.ExperimentStats{}, err
	}
	var actual repo.SubmissionCounts
	for _, p := range progress.FilterParticipants(participants, progress.ContextFor(exp), opts) {
		c := counts[p.ID]
		actual.Comparison += c.Comparison
		actual.SingleVideo += c.SingleVideo
	}
	stats := progress.ExperimentStats{
		ExperimentID:               exp.ID,
		Slug:                       exp.Slug,
		Name:                       exp.Name,
		EvaluationMode:             exp.EvaluationMode,
		Config:                     exp.Config,
		Status:                     exp.Status,
		ComparisonTaskCount:        tasks.Comparison,
		SingleVideoTaskCount:       tasks.SingleVideo,
		ComparisonSubmissionCount:  actual.Comparison,
		SingleVideoSubmissionCount: actual.SingleVideo,
	}
	if exp.ProlificStudyID != nil {
		stats.ProlificStudyID = *exp.ProlificStudyID
	}
	return stats, nil
}

// ExperimentProgress summarizes one experiment.
func (e Engine) ExperimentProgress(ctx context.Context, ref string, opts progress.FilterOptions) (progress.Summary, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return progress.Summary{}, err
	}
	stats, err := e.ExperimentStats(ctx, exp, opts)
	if err != nil {
		return progress.Summary{}, err
	}
	summary := progress.Summarize(stats)
	e.Metrics.SetProgress(exp.Slug, summary.ProgressPercentage)
	return summary, nil
}

// Dashboard is the progress view over many experiments.
type Dashboard struct {
	Experiments []progress.Summary `json:"experiments"`
	Aggregate   progress.Aggregate `json:"aggregate"`
}

// DashboardProgress summarizes every experiment matching the filter and aggregates them.
func (e Engine) DashboardProgress(ctx context.Context, f repo.ExperimentFilter, opts progress.FilterOptions) (Dashboard, error) {
	exps, err := e.Repo.ListExperiments(ctx, f)
	if err != nil {
		return Dashboard{}, err
	}
	all := make([]progress.ExperimentStats, 0, len(exps))
	out := Dashboard{Experiments: make([]progress.Summary, 0, len(exps))}
	for _, exp := range exps {
		stats, err := e.ExperimentStats(ctx, exp, opts)
		if err != nil {
			return Dashboard{}, err
		}
		all = append(all, stats)
		summary := progress.Summarize(stats)
		e.Metrics.SetProgress(exp.Slug, summary.ProgressPercentage)
		out.Experiments = append(out.Experiments, summary)
	}
	out.Aggregate = progress.AggregateProgress(all)
	return out, nil
}
