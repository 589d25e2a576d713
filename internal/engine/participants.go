package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"owleval/internal/domain"
	"owleval/internal/events"
	"owleval/internal/progress"
	"owleval/internal/repo"
	"owleval/internal/screening"
)

// ProlificCompletionURL is where finished Prolific participants are sent with their code.
const ProlificCompletionURL = "https://app.prolific.com/submissions/complete"

// StartSessionOptions identifies who is starting. An empty ProlificID starts an anonymous session.
type StartSessionOptions struct {
	Experiment string
	ProlificID string
	StudyID    string
	SessionID  string
	ActorID    string
}

// StartSession registers a participant, or returns the existing one when the same person
// comes back.
func (e Engine) StartSession(ctx context.Context, opts StartSessionOptions) (domain.Participant, error) {
	exp, err := e.GetExperiment(ctx, opts.Experiment)
	if err != nil {
		return domain.Participant{}, err
	}
	if exp.Archived {
		return domain.Participant{}, ErrArchived
	}
	if exp.Status != domain.ExperimentActive {
		return domain.Participant{}, fmt.Errorf("%w: status is %s", ErrNotAcceptingSessions, exp.Status)
	}
	if opts.StudyID != "" && exp.IsProlificLinked() && opts.StudyID != *exp.ProlificStudyID {
		return domain.Participant{}, fmt.Errorf("study %s does not belong to experiment %s", opts.StudyID, exp.Slug)
	}

	if opts.ProlificID != "" {
		existing, err := e.Repo.GetParticipantByProlificID(ctx, opts.ProlificID)
		switch {
		case err == nil && existing.ExperimentID == exp.ID:
			return existing, nil
		case err == nil:
			return domain.Participant{}, fmt.Errorf("prolific participant %s is registered with another experiment", opts.ProlificID)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Participant{}, err
		}
	} else if opts.SessionID != "" {
		existing, err := e.Repo.GetParticipantBySession(ctx, opts.SessionID)
		switch {
		case err == nil && existing.ExperimentID == exp.ID:
			return existing, nil
		case err == nil:
			return domain.Participant{}, fmt.Errorf("session %s belongs to another experiment", opts.SessionID)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Participant{}, err
		}
	}

	now := e.stamp()
	p := domain.Participant{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		ProlificID:   optionalString(opts.ProlificID),
		SessionID:    opts.SessionID,
		Status:       domain.ParticipantActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.ProlificID == "" && opts.SessionID == "" {
		p.SessionID = progress.AnonymousSessionPrefix + uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertParticipant(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ParticipantStarted, exp.ID, "participant", p.ID, opts.ActorID,
		events.EventPayload{"anonymous": progress.IsAnonymous(p)}); err != nil {
		return domain.Participant{}, err
	}
	return p, tx.Commit()
}

// ParticipantSummary is a participant with its progress standing.
type ParticipantSummary struct {
	domain.Participant
	Valid       bool `json:"valid"`
	Submissions int  `json:"submissions"`
}

// ListParticipants returns an experiment's participants with their completed submission counts.
// With validOnly set, participants that do not count toward progress are dropped.
func (e Engine) ListParticipants(ctx context.Context, ref string, opts progress.FilterOptions, validOnly bool) ([]ParticipantSummary, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return nil, err
	}
	ps, err := e.Repo.ListParticipants(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.SubmissionCountsByParticipant(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	expCtx := progress.ContextFor(exp)
	out := make([]ParticipantSummary, 0, len(ps))
	for _, p := range ps {
		valid := progress.IsValidParticipant(p, expCtx, opts)
		if validOnly && !valid {
			continue
		}
		out = append(out, ParticipantSummary{Participant: p, Valid: valid, Submissions: counts[p.ID].Total()})
	}
	return out, nil
}

// SubmissionInput is one evaluation. Comparison experiments fill Winners, single-video
// experiments fill Ratings.
type SubmissionInput struct {
	ParticipantID         string
	TaskID                string
	Winners               map[string]string
	Ratings               map[string]int
	CompletionTimeSeconds *int
	Draft                 bool
	ActorID               string
}

// SubmissionReceipt identifies a stored submission.
type SubmissionReceipt struct {
	ID            string                  `json:"id"`
	ExperimentID  string                  `json:"experiment_id"`
	ParticipantID string                  `json:"participant_id"`
	TaskID        string                  `json:"task_id"`
	Mode          domain.EvaluationMode   `json:"mode"`
	Status        domain.SubmissionStatus `json:"status"`
	CreatedAt     string                  `json:"created_at"`
}

var closedParticipantStatuses = map[domain.ParticipantStatus]bool{
	domain.ParticipantRejected:    true,
	domain.ParticipantReturned:    true,
	domain.ParticipantTimedOut:    true,
	domain.ParticipantScreenedOut: true,
}

// RecordSubmission appends a submission. The task must belong to the participant's experiment
// and match its mode.
func (e Engine) RecordSubmission(ctx context.Context, in SubmissionInput) (SubmissionReceipt, error) {
	if in.ParticipantID == "" || in.TaskID == "" {
		return SubmissionReceipt{}, errors.New("participant and task are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmissionReceipt{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipantTx(ctx, tx, in.ParticipantID)
	if err != nil {
		return SubmissionReceipt{}, fmt.Errorf("participant %s: %w", in.ParticipantID, err)
	}
	if closedParticipantStatuses[p.Status] {
		return SubmissionReceipt{}, fmt.Errorf("%w: status is %s", ErrParticipantInactive, p.Status)
	}
	exp, err := e.Repo.GetExperimentTx(ctx, tx, p.ExperimentID)
	if err != nil {
		return SubmissionReceipt{}, err
	}
	if exp.Status == domain.ExperimentCompleted || exp.Archived {
		return SubmissionReceipt{}, fmt.Errorf("%w: experiment %s is closed", ErrNotAcceptingSessions, exp.Slug)
	}
	owner, err := e.Repo.TaskExperiment(ctx, tx, exp.EvaluationMode, in.TaskID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && owner != exp.ID) {
		return SubmissionReceipt{}, fmt.Errorf("task %s is not a %s task of experiment %s", in.TaskID, exp.EvaluationMode, exp.Slug)
	}
	if err != nil {
		return SubmissionReceipt{}, err
	}

	status := domain.SubmissionCompleted
	if in.Draft {
		status = domain.SubmissionDraft
	}
	rec := SubmissionReceipt{
		ID:            uuid.NewString(),
		ExperimentID:  exp.ID,
		ParticipantID: p.ID,
		TaskID:        in.TaskID,
		Mode:          exp.EvaluationMode,
		Status:        status,
		CreatedAt:     e.stamp(),
	}
	if err := e.insertSubmission(ctx, tx, rec, in); err != nil {
		return SubmissionReceipt{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SubmissionRecorded, exp.ID, "submission", rec.ID, in.ActorID,
		events.EventPayload{"participant_id": p.ID, "task_id": in.TaskID, "mode": rec.Mode, "status": status}); err != nil {
		return SubmissionReceipt{}, err
	}
	return rec, tx.Commit()
}

func (e Engine) insertSubmission(ctx context.Context, tx *sql.Tx, rec SubmissionReceipt, in SubmissionInput) error {
	if rec.Mode == domain.ModeComparison {
		if err := validate.Var(in.Winners, "min=1,dive,oneof=A B Equal"); err != nil {
			return fmt.Errorf("comparison scores: %w", err)
		}
		return e.Repo.InsertComparisonSubmission(ctx, tx, domain.ComparisonSubmission{
			ID:                    rec.ID,
			ExperimentID:          rec.ExperimentID,
			TaskID:                rec.TaskID,
			ParticipantID:         rec.ParticipantID,
			DimensionScores:       in.Winners,
			CompletionTimeSeconds: in.CompletionTimeSeconds,
			Status:                rec.Status,
			CreatedAt:             rec.CreatedAt,
		})
	}
	if err := validate.Var(in.Ratings, "min=1,dive,min=1,max=5"); err != nil {
		return fmt.Errorf("ratings: %w", err)
	}
	return e.Repo.InsertSingleVideoSubmission(ctx, tx, domain.SingleVideoSubmission{
		ID:                    rec.ID,
		ExperimentID:          rec.ExperimentID,
		TaskID:                rec.TaskID,
		ParticipantID:         rec.ParticipantID,
		DimensionScores:       in.Ratings,
		CompletionTimeSeconds: in.CompletionTimeSeconds,
		Status:                rec.Status,
		CreatedAt:             rec.CreatedAt,
	})
}

// RecordScreening grades the answers, stores the result on the participant and screens out
// participants who fail.
func (e Engine) RecordScreening(ctx context.Context, participantID string, mode domain.EvaluationMode, answers map[string]any, actorID string) (screening.Result, error) {
	if !mode.Valid() {
		return screening.Result{}, fmt.Errorf("unknown evaluation mode %q", mode)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return screening.Result{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetParticipantTx(ctx, tx, participantID)
	if err != nil {
		return screening.Result{}, fmt.Errorf("participant %s: %w", participantID, err)
	}
	res := e.Screening().Validate(mode, answers)
	now := e.stamp()
	if err := e.Repo.SetParticipantScreening(ctx, tx, p.ID, res.Record(mode, now), now); err != nil {
		return res, err
	}
	if !res.Passed {
		if err := e.Repo.UpdateParticipantStatus(ctx, tx, p.ID, domain.ParticipantScreenedOut, now); err != nil {
			return res, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ScreeningRecorded, p.ExperimentID, "participant", p.ID, actorID,
		events.EventPayload{"passed": res.Passed, "version": res.Version, "passed_tasks": len(res.PassedTasks)}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// Completion is what a participant is shown when they finish.
type Completion struct {
	Participant    domain.Participant `json:"participant"`
	CompletionCode string             `json:"completion_code,omitempty"`
	RedirectURL    string             `json:"redirect_url,omitempty"`
}

// CompleteSession finishes a participant's session. Self-hosted participants become completed;
// Prolific participants keep their status until the study is synced and get the study's
// completion code instead.
func (e Engine) CompleteSession(ctx context.Context, participantID, actorID string) (Completion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Completion{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetParticipantTx(ctx, tx, participantID)
	if err != nil {
		return Completion{}, fmt.Errorf("participant %s: %w", participantID, err)
	}
	exp, err := e.Repo.GetExperimentTx(ctx, tx, p.ExperimentID)
	if err != nil {
		return Completion{}, err
	}
	out := Completion{}
	if exp.IsProlificLinked() && exp.CompletionCode != nil {
		out.CompletionCode = *exp.CompletionCode
		out.RedirectURL = ProlificCompletionURL + "?cc=" + url.QueryEscape(out.CompletionCode)
	}
	if !exp.IsProlificLinked() && p.Status == domain.ParticipantActive {
		now := e.stamp()
		if err := e.Repo.UpdateParticipantStatus(ctx, tx, p.ID, domain.ParticipantCompleted, now); err != nil {
			return Completion{}, err
		}
		if err := e.Events.Append(ctx, tx, events.ParticipantCompleted, exp.ID, "participant", p.ID, actorID, nil); err != nil {
			return Completion{}, err
		}
	}
	if out.Participant, err = e.Repo.GetParticipantTx(ctx, tx, p.ID); err != nil {
		return Completion{}, err
	}
	return out, tx.Commit()
}
