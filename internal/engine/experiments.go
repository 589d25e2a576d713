package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"owleval/internal/domain"
	"owleval/internal/events"
	"owleval/internal/progress"
	"owleval/internal/repo"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ExperimentCreateOptions are parameters for creating an experiment.
type ExperimentCreateOptions struct {
	Slug        string                `validate:"required,max=64"`
	Name        string                `validate:"required"`
	Description string
	Mode        domain.EvaluationMode `validate:"required,oneof=comparison single_video"`
	// Config is the raw JSON configuration document; empty leaves it unset.
	Config  []byte
	ActorID string
}

func (e Engine) CreateExperiment(ctx context.Context, opts ExperimentCreateOptions) (domain.Experiment, error) {
	if err := validate.Struct(opts); err != nil {
		return domain.Experiment{}, err
	}
	if !slugPattern.MatchString(opts.Slug) {
		return domain.Experiment{}, fmt.Errorf("slug %q must be lowercase letters, digits and dashes", opts.Slug)
	}
	cfg, err := domain.ParseExperimentConfig(opts.Config)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("experiment config: %w", err)
	}
	now := e.stamp()
	exp := domain.Experiment{
		ID:             uuid.NewString(),
		Slug:           opts.Slug,
		Name:           opts.Name,
		Description:    opts.Description,
		EvaluationMode: opts.Mode,
		Config:         cfg,
		Status:         domain.ExperimentDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExperiment(ctx, tx, exp); err != nil {
		return domain.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ExperimentCreated, exp.ID, "experiment", exp.ID, opts.ActorID,
		events.EventPayload{"slug": exp.Slug, "mode": exp.EvaluationMode}); err != nil {
		return domain.Experiment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}

// GetExperiment resolves an experiment by id, falling back to slug.
func (e Engine) GetExperiment(ctx context.Context, ref string) (domain.Experiment, error) {
	exp, err := e.Repo.GetExperiment(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		exp, err = e.Repo.GetExperimentBySlug(ctx, ref)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return exp, fmt.Errorf("experiment %s: %w", ref, repo.ErrNotFound)
	}
	return exp, err
}

func (e Engine) ListExperiments(ctx context.Context, f repo.ExperimentFilter) ([]domain.Experiment, error) {
	return e.Repo.ListExperiments(ctx, f)
}

// TransitionExperiment applies an operator status change. Moving to the current status is a no-op.
func (e Engine) TransitionExperiment(ctx context.Context, ref string, to domain.ExperimentStatus, actorID string) (domain.Experiment, error) {
	if !to.Valid() {
		return domain.Experiment{}, fmt.Errorf("unknown experiment status %q", to)
	}
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return exp, err
	}
	if exp.Archived {
		return exp, ErrArchived
	}
	if exp.Status == to {
		return exp, nil
	}
	if !domain.CanTransition(exp.Status, to) {
		return exp, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exp.Status, to)
	}
	return e.setExperimentStatus(ctx, exp, to, actorID, "operator")
}

func (e Engine) setExperimentStatus(ctx context.Context, exp domain.Experiment, to domain.ExperimentStatus, actorID, source string) (domain.Experiment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exp, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.UpdateExperimentStatus(ctx, tx, exp.ID, to, now); err != nil {
		return exp, err
	}
	if err := e.Events.Append(ctx, tx, events.ExperimentStatusChanged, exp.ID, "experiment", exp.ID, actorID,
		events.EventPayload{"from": exp.Status, "to": to, "source": source}); err != nil {
		return exp, err
	}
	updated, err := e.Repo.GetExperimentTx(ctx, tx, exp.ID)
	if err != nil {
		return exp, err
	}
	if err := tx.Commit(); err != nil {
		return exp, err
	}
	return updated, nil
}

// ArchiveExperiment hides an experiment from default listings. Archiving twice keeps the first timestamp.
func (e Engine) ArchiveExperiment(ctx context.Context, ref, actorID string) (domain.Experiment, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return exp, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exp, err
	}
	defer tx.Rollback()
	if err := e.Repo.ArchiveExperiment(ctx, tx, exp.ID, e.stamp()); err != nil {
		return exp, err
	}
	if err := e.Events.Append(ctx, tx, events.ExperimentArchived, exp.ID, "experiment", exp.ID, actorID, nil); err != nil {
		return exp, err
	}
	updated, err := e.Repo.GetExperimentTx(ctx, tx, exp.ID)
	if err != nil {
		return exp, err
	}
	return updated, tx.Commit()
}

// UpdateExperimentConfig replaces the configuration document.
func (e Engine) UpdateExperimentConfig(ctx context.Context, ref string, raw []byte, actorID string) (domain.Experiment, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return exp, err
	}
	cfg, err := domain.ParseExperimentConfig(raw)
	if err != nil {
		return exp, fmt.Errorf("experiment config: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exp, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExperimentConfig(ctx, tx, exp.ID, cfg, e.stamp()); err != nil {
		return exp, err
	}
	if err := e.Events.Append(ctx, tx, events.ExperimentConfigured, exp.ID, "experiment", exp.ID, actorID, nil); err != nil {
		return exp, err
	}
	updated, err := e.Repo.GetExperimentTx(ctx, tx, exp.ID)
	if err != nil {
		return exp, err
	}
	return updated, tx.Commit()
}

// TaskManifest is the YAML (or JSON) document tasks are imported from.
type TaskManifest struct {
	ComparisonTasks  []domain.ComparisonTask  `yaml:"comparison_tasks" json:"comparison_tasks" validate:"dive"`
	SingleVideoTasks []domain.SingleVideoTask `yaml:"single_video_tasks" json:"single_video_tasks" validate:"dive"`
}

func ParseTaskManifest(data []byte) (TaskManifest, error) {
	var m TaskManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("task manifest: %w", err)
	}
	return m, nil
}

// ReplaceTasks swaps an experiment's tasks for the manifest in one transaction. Tasks must match
// the experiment's mode, and tasks that already have submissions cannot be replaced.
func (e Engine) ReplaceTasks(ctx context.Context, ref string, m TaskManifest, actorID string) (repo.TaskCounts, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return repo.TaskCounts{}, err
	}
	if exp.Status == domain.ExperimentCompleted {
		return repo.TaskCounts{}, fmt.Errorf("experiment %s is completed", exp.Slug)
	}
	if err := validate.Struct(m); err != nil {
		return repo.TaskCounts{}, err
	}
	switch exp.EvaluationMode {
	case domain.ModeComparison:
		if len(m.SingleVideoTasks) > 0 {
			return repo.TaskCounts{}, fmt.Errorf("comparison experiment %s cannot take single-video tasks", exp.Slug)
		}
	case domain.ModeSingleVideo:
		if len(m.ComparisonTasks) > 0 {
			return repo.TaskCounts{}, fmt.Errorf("single-video experiment %s cannot take comparison tasks", exp.Slug)
		}
	}
	m.ComparisonTasks = append([]domain.ComparisonTask(nil), m.ComparisonTasks...)
	m.SingleVideoTasks = append([]domain.SingleVideoTask(nil), m.SingleVideoTasks...)
	now := e.stamp()
	seen := map[string]bool{}
	for i := range m.ComparisonTasks {
		t := &m.ComparisonTasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if seen[t.ID] {
			return repo.TaskCounts{}, fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		t.ExperimentID, t.CreatedAt = exp.ID, now
	}
	for i := range m.SingleVideoTasks {
		t := &m.SingleVideoTasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if seen[t.ID] {
			return repo.TaskCounts{}, fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		t.ExperimentID, t.CreatedAt = exp.ID, now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.TaskCounts{}, err
	}
	defer tx.Rollback()
	if exp.EvaluationMode == domain.ModeComparison {
		err = e.Repo.ReplaceComparisonTasks(ctx, tx, exp.ID, m.ComparisonTasks)
	} else {
		err = e.Repo.ReplaceSingleVideoTasks(ctx, tx, exp.ID, m.SingleVideoTasks)
	}
	if err != nil {
		return repo.TaskCounts{}, err
	}
	counts := repo.TaskCounts{Comparison: len(m.ComparisonTasks), SingleVideo: len(m.SingleVideoTasks)}
	if err := e.Events.Append(ctx, tx, events.TasksReplaced, exp.ID, "experiment", exp.ID, actorID,
		events.EventPayload{"comparison": counts.Comparison, "single_video": counts.SingleVideo}); err != nil {
		return repo.TaskCounts{}, err
	}
	return counts, tx.Commit()
}

// ValidationIssue is a configuration problem found by ValidateExperiment.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateExperiment reports problems that make progress numbers meaningless. It never changes
// how progress is computed.
func (e Engine) ValidateExperiment(ctx context.Context, ref string) ([]ValidationIssue, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return nil, err
	}
	issues := []ValidationIssue{}
	if exp.Config == nil {
		issues = append(issues, ValidationIssue{Field: "config", Message: "no configuration document"})
	}
	if v, err := progress.RequireEvaluationsPerComparison(exp.Config); err != nil {
		issues = append(issues, ValidationIssue{Field: "config.evaluationsPerComparison", Message: err.Error()})
	} else if v <= 0 {
		issues = append(issues, ValidationIssue{Field: "config.evaluationsPerComparison", Message: fmt.Sprintf("must be positive, got %d", v)})
	}
	counts, err := e.Repo.CountTasks(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	if counts.Comparison+counts.SingleVideo == 0 {
		issues = append(issues, ValidationIssue{Field: "tasks", Message: "experiment has no tasks"})
	}
	if exp.EvaluationMode == domain.ModeComparison && counts.SingleVideo > 0 {
		issues = append(issues, ValidationIssue{Field: "tasks", Message: "comparison experiment has single-video tasks"})
	}
	if exp.EvaluationMode == domain.ModeSingleVideo && counts.Comparison > 0 {
		issues = append(issues, ValidationIssue{Field: "tasks", Message: "single-video experiment has comparison tasks"})
	}
	return issues, nil
}
