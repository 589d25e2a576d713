package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"

	"owleval/internal/domain"
	"owleval/internal/events"
	"owleval/internal/prolific"
	"owleval/internal/repo"
)

func (e Engine) prolificAPI() (ProlificAPI, error) {
	if e.Prolific == nil {
		return nil, ErrProlificNotConfigured
	}
	return e.Prolific, nil
}

func (e Engine) linkedExperiment(ctx context.Context, ref string) (domain.Experiment, string, error) {
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return exp, "", err
	}
	if !exp.IsProlificLinked() {
		return exp, "", fmt.Errorf("%w: %s", ErrNotLinked, exp.Slug)
	}
	return exp, *exp.ProlificStudyID, nil
}

// CreateStudyOptions overrides the configured study defaults. Zero values fall back to config.
type CreateStudyOptions struct {
	Experiment          string
	Name                string
	Description         string
	Participants        int
	TasksPerParticipant int
	Reward              string
	Devices             []string
	AppBaseURL          string
	ActorID             string
}

// CreateStudy creates a Prolific study for an experiment and links it. A draft experiment
// becomes ready.
func (e Engine) CreateStudy(ctx context.Context, opts CreateStudyOptions) (prolific.Study, domain.Experiment, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.Study{}, domain.Experiment{}, err
	}
	exp, err := e.GetExperiment(ctx, opts.Experiment)
	if err != nil {
		return prolific.Study{}, exp, err
	}
	if exp.IsProlificLinked() {
		return prolific.Study{}, exp, fmt.Errorf("%w: %s", ErrAlreadyLinked, *exp.ProlificStudyID)
	}
	defaults := e.config().Prolific.Study
	so := prolific.StudyOptions{
		Name:                   firstNonEmpty(opts.Name, exp.Name),
		Description:            firstNonEmpty(opts.Description, exp.Description, exp.Name),
		ExperimentSlug:         exp.Slug,
		AppBaseURL:             firstNonEmpty(opts.AppBaseURL, defaults.AppBaseURL),
		Participants:           firstPositive(opts.Participants, defaults.Participants),
		TasksPerParticipant:    firstPositive(opts.TasksPerParticipant, defaults.TasksPerParticipant),
		DeviceCompatibility:    opts.Devices,
		PeripheralRequirements: defaults.Peripherals,
	}
	if so.DeviceCompatibility == nil {
		so.DeviceCompatibility = defaults.Devices
	}
	if so.TasksPerParticipant == 0 {
		counts, err := e.Repo.CountTasks(ctx, exp.ID)
		if err != nil {
			return prolific.Study{}, exp, err
		}
		so.TasksPerParticipant = counts.Comparison + counts.SingleVideo
	}
	reward := firstNonEmpty(opts.Reward, defaults.Reward)
	if so.Reward, err = decimal.NewFromString(reward); err != nil {
		return prolific.Study{}, exp, fmt.Errorf("reward %q: %w", reward, err)
	}
	if exp.CompletionCode != nil {
		so.CompletionCode = *exp.CompletionCode
	}
	req, err := prolific.BuildStudy(so)
	if err != nil {
		return prolific.Study{}, exp, err
	}
	study, err := api.CreateStudy(ctx, req)
	if err != nil {
		return prolific.Study{}, exp, fmt.Errorf("create study: %w", err)
	}
	code := firstNonEmpty(study.CompletionCode, req.CompletionCode)
	exp, err = e.link(ctx, exp, study.ID, code, opts.ActorID)
	if err != nil {
		return study, exp, err
	}
	e.log().WithField("study_id", study.ID).WithField("experiment", exp.Slug).Info("prolific study created")
	return study, exp, nil
}

// LinkProlificStudy attaches an existing study to an experiment.
func (e Engine) LinkProlificStudy(ctx context.Context, ref, studyID, actorID string) (domain.Experiment, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return domain.Experiment{}, err
	}
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return exp, err
	}
	if exp.IsProlificLinked() && *exp.ProlificStudyID != studyID {
		return exp, fmt.Errorf("%w: %s", ErrAlreadyLinked, *exp.ProlificStudyID)
	}
	study, err := api.GetStudy(ctx, studyID)
	if err != nil {
		return exp, fmt.Errorf("fetch study %s: %w", studyID, err)
	}
	return e.link(ctx, exp, study.ID, study.CompletionCode, actorID)
}

func (e Engine) link(ctx context.Context, exp domain.Experiment, studyID, code, actorID string) (domain.Experiment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exp, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.LinkProlificStudy(ctx, tx, exp.ID, studyID, code, now); err != nil {
		return exp, err
	}
	if exp.Status == domain.ExperimentDraft {
		if err := e.Repo.UpdateExperimentStatus(ctx, tx, exp.ID, domain.ExperimentReady, now); err != nil {
			return exp, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProlificStudyLinked, exp.ID, "experiment", exp.ID, actorID,
		events.EventPayload{"study_id": studyID}); err != nil {
		return exp, err
	}
	updated, err := e.Repo.GetExperimentTx(ctx, tx, exp.ID)
	if err != nil {
		return exp, err
	}
	return updated, tx.Commit()
}

// StudyStatus fetches the remote study of a linked experiment.
func (e Engine) StudyStatus(ctx context.Context, ref string) (prolific.Study, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.Study{}, err
	}
	_, studyID, err := e.linkedExperiment(ctx, ref)
	if err != nil {
		return prolific.Study{}, err
	}
	return api.GetStudy(ctx, studyID)
}

// TransitionStudy publishes, pauses, resumes or stops the linked study and mirrors the
// resulting remote status locally. The remote status wins over local transition rules.
func (e Engine) TransitionStudy(ctx context.Context, ref string, action prolific.StudyAction, actorID string) (prolific.Study, domain.Experiment, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.Study{}, domain.Experiment{}, err
	}
	exp, studyID, err := e.linkedExperiment(ctx, ref)
	if err != nil {
		return prolific.Study{}, exp, err
	}
	study, err := api.TransitionStudy(ctx, studyID, action)
	if err != nil {
		return study, exp, fmt.Errorf("transition study %s: %w", studyID, err)
	}
	local, ok := prolific.LocalExperimentStatus(study.Status)
	if !ok || local == exp.Status || exp.Status == domain.ExperimentCompleted {
		return study, exp, nil
	}
	exp, err = e.setExperimentStatus(ctx, exp, local, actorID, "prolific")
	return study, exp, err
}

// SyncStudy pulls a study's submissions into local participants.
func (e Engine) SyncStudy(ctx context.Context, studyID, actorID string) (prolific.SyncReport, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.SyncReport{}, err
	}
	cfg := e.config()
	syncer := prolific.Syncer{
		API:         api,
		Store:       e.Repo,
		Log:         e.log(),
		Observer:    e.Metrics,
		Concurrency: cfg.Prolific.SyncConcurrency,
		Now:         e.Now,
	}
	start := e.now()
	report, err := syncer.SyncStudy(ctx, studyID)
	e.Metrics.ObserveSync(start, err)
	if err != nil {
		return report, err
	}
	payload := events.EventPayload{
		"study_id":    studyID,
		"submissions": len(report.Submissions),
		"synced":      report.SyncedParticipants,
		"failed":      len(report.Failed()),
	}
	if err := e.Events.Append(ctx, nil, events.ProlificSynced, report.ExperimentID, "experiment", report.ExperimentID, actorID, payload); err != nil {
		return report, err
	}
	if report.ExperimentCompleted {
		if err := e.Events.Append(ctx, nil, events.ExperimentCompleted, report.ExperimentID, "experiment", report.ExperimentID, actorID,
			events.EventPayload{"source": "prolific", "study_id": studyID}); err != nil {
			return report, err
		}
	}
	return report, nil
}

// SyncExperiment syncs the study linked to an experiment.
func (e Engine) SyncExperiment(ctx context.Context, ref, actorID string) (prolific.SyncReport, error) {
	_, studyID, err := e.linkedExperiment(ctx, ref)
	if err != nil {
		return prolific.SyncReport{}, err
	}
	return e.SyncStudy(ctx, studyID, actorID)
}

// SyncActive syncs every active, unarchived Prolific-linked experiment. A failing study does not
// stop the others; the failures are returned keyed by study id.
func (e Engine) SyncActive(ctx context.Context, actorID string) (map[string]prolific.SyncReport, map[string]error, error) {
	exps, err := e.Repo.ListExperiments(ctx, repo.ExperimentFilter{Status: domain.ExperimentActive, ProlificOnly: true})
	if err != nil {
		return nil, nil, err
	}
	reports := map[string]prolific.SyncReport{}
	failures := map[string]error{}
	for _, exp := range exps {
		if err := ctx.Err(); err != nil {
			return reports, failures, err
		}
		studyID := *exp.ProlificStudyID
		report, err := e.SyncStudy(ctx, studyID, actorID)
		if err != nil {
			e.log().WithError(err).WithField("study_id", studyID).Warn("auto-sync failed")
			failures[studyID] = err
			continue
		}
		reports[studyID] = report
	}
	return reports, failures, nil
}

// QualityScores scores each Prolific participant of an experiment between 0 and 1. A recorded
// screening result scores its pass fraction; otherwise completed submissions are measured
// against the configured minimum. Very fast or invariant responses halve the score.
func (e Engine) QualityScores(ctx context.Context, exp domain.Experiment) (map[string]float64, error) {
	ps, err := e.Repo.ListParticipants(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.SubmissionCountsByParticipant(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	samples, err := e.responseSamples(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	minSubs := e.config().Prolific.Review.MinSubmissions
	scores := make(map[string]float64, len(ps))
	for _, p := range ps {
		pid := p.ProlificIDValue()
		if pid == "" {
			continue
		}
		var score float64
		n := counts[p.ID].Total()
		switch {
		case p.Metadata.Screening != nil:
			score = p.Metadata.Screening.PassFraction()
		case minSubs <= 0 && n > 0:
			score = 1
		case minSubs <= 0:
			score = 0
		case n >= minSubs:
			score = 1
		default:
			score = float64(n) / float64(minSubs)
		}
		scores[pid] = prolific.ApplyQualityFlags(score, prolific.QualityFlags(samples[p.ID]))
	}
	return scores, nil
}

// responseSamples groups completed submissions of both modes by participant id.
func (e Engine) responseSamples(ctx context.Context, experimentID string) (map[string][]prolific.ResponseSample, error) {
	comparisons, err := e.Repo.ListComparisonSubmissions(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	singles, err := e.Repo.ListSingleVideoSubmissions(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	out := map[string][]prolific.ResponseSample{}
	for _, s := range comparisons {
		if s.Status != domain.SubmissionCompleted {
			continue
		}
		answers := make([]string, 0, len(s.DimensionScores))
		for _, w := range s.DimensionScores {
			answers = append(answers, w)
		}
		out[s.ParticipantID] = append(out[s.ParticipantID], prolific.ResponseSample{Seconds: s.CompletionTimeSeconds, Answers: answers})
	}
	for _, s := range singles {
		if s.Status != domain.SubmissionCompleted {
			continue
		}
		answers := make([]string, 0, len(s.DimensionScores))
		for _, r := range s.DimensionScores {
			answers = append(answers, strconv.Itoa(r))
		}
		out[s.ParticipantID] = append(out[s.ParticipantID], prolific.ResponseSample{Seconds: s.CompletionTimeSeconds, Answers: answers})
	}
	return out, nil
}

// ReviewStudy approves or rejects submissions awaiting review on the linked study.
func (e Engine) ReviewStudy(ctx context.Context, ref string, dryRun bool, actorID string) (prolific.ReviewReport, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.ReviewReport{}, err
	}
	exp, studyID, err := e.linkedExperiment(ctx, ref)
	if err != nil {
		return prolific.ReviewReport{}, err
	}
	scores, err := e.QualityScores(ctx, exp)
	if err != nil {
		return prolific.ReviewReport{}, err
	}
	review := e.config().Prolific.Review
	reviewer := prolific.Reviewer{
		API:             api,
		Threshold:       review.QualityThreshold,
		RejectionReason: review.RejectionReason,
		DryRun:          dryRun,
		Log:             e.log(),
		Observer:        e.Metrics,
	}
	report, err := reviewer.Review(ctx, studyID, scores)
	if err != nil {
		return report, err
	}
	if !dryRun {
		if err := e.Events.Append(ctx, nil, events.ProlificReviewed, exp.ID, "experiment", exp.ID, actorID,
			events.EventPayload{"approved": report.Approved, "rejected": report.Rejected, "skipped": report.Skipped}); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ExportStudy writes the linked study and its submissions as JSON.
func (e Engine) ExportStudy(ctx context.Context, ref string, w io.Writer) (prolific.Export, error) {
	api, err := e.prolificAPI()
	if err != nil {
		return prolific.Export{}, err
	}
	_, studyID, err := e.linkedExperiment(ctx, ref)
	if err != nil {
		return prolific.Export{}, err
	}
	return prolific.ExportStudy(ctx, api, studyID, e.now(), w)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
