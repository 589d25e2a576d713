package prolific

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"owleval/internal/domain"
)

// ErrExperimentNotFound means no local experiment points at the study being synced.
var ErrExperimentNotFound = errors.New("no experiment linked to prolific study")

// API is the subset of the Prolific client the sync and review flows call.
type API interface {
	GetStudy(ctx context.Context, studyID string) (Study, error)
	ListSubmissions(ctx context.Context, studyID string) ([]Submission, error)
	GetParticipant(ctx context.Context, participantID string) (ParticipantInfo, error)
	TransitionSubmission(ctx context.Context, submissionID string, action SubmissionAction, reason string) error
}

// Store is the persistence the sync writes through.
type Store interface {
	// ExperimentByProlificStudyID returns nil when no experiment is linked.
	ExperimentByProlificStudyID(ctx context.Context, studyID string) (*domain.Experiment, error)
	// UpsertProlificParticipant inserts or updates by prolific id in one statement. Placeholder
	// demographics must not replace genuine ones already stored, and a participant stored under
	// another experiment is never moved; that case is an error and the item is reported failed.
	UpsertProlificParticipant(ctx context.Context, p domain.Participant) error
	// MarkExperimentCompleted reports whether the status changed.
	MarkExperimentCompleted(ctx context.Context, experimentID, completedAt string) (bool, error)
}

// Observer receives per-submission outcomes, e.g. for metrics.
type Observer interface {
	ObserveParticipantSync(result string)
}

type ItemOutcome string

const (
	OutcomeSynced  ItemOutcome = "synced"
	OutcomeSkipped ItemOutcome = "skipped"
	OutcomeFailed  ItemOutcome = "failed"
)

// ItemResult is what happened to one submission.
type ItemResult struct {
	SubmissionID       string                    `json:"submission_id"`
	ParticipantID      string                    `json:"participant_id,omitempty"`
	Outcome            ItemOutcome               `json:"outcome"`
	Status             domain.ParticipantStatus  `json:"status,omitempty"`
	DemographicsSource domain.DemographicsSource `json:"demographics_source,omitempty"`
	Error              string                    `json:"error,omitempty"`
	Err                error                     `json:"-"`
}

type SyncReport struct {
	Study               Study        `json:"study"`
	Submissions         []Submission `json:"submissions"`
	SyncedParticipants  int          `json:"synced_participants"`
	Results             []ItemResult `json:"results"`
	ExperimentID        string       `json:"experiment_id"`
	ExperimentCompleted bool         `json:"experiment_completed"`
}

// Failed returns the results that did not sync.
func (r SyncReport) Failed() []ItemResult {
	var out []ItemResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Syncer reconciles a remote study's submissions into local participants.
type Syncer struct {
	API         API
	Store       Store
	Log         logrus.FieldLogger
	Observer    Observer
	Concurrency int
	Now         func() time.Time
}

func (s *Syncer) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Syncer) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// SyncStudy fetches the study and its submissions, upserts one participant per submission and
// completes the experiment when the study is completed. Fetch failures and a missing experiment
// abort the call; per-submission failures are reported in the results.
func (s *Syncer) SyncStudy(ctx context.Context, studyID string) (SyncReport, error) {
	var (
		study Study
		subs  []Submission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if study, err = s.API.GetStudy(gctx, studyID); err != nil {
			return fmt.Errorf("fetch study %s: %w", studyID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if subs, err = s.API.ListSubmissions(gctx, studyID); err != nil {
			return fmt.Errorf("list submissions for %s: %w", studyID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return SyncReport{}, err
	}

	exp, err := s.Store.ExperimentByProlificStudyID(ctx, studyID)
	if err != nil {
		return SyncReport{}, err
	}
	if exp == nil {
		return SyncReport{}, fmt.Errorf("%w: %s", ErrExperimentNotFound, studyID)
	}

	report := SyncReport{
		Study:        study,
		Submissions:  subs,
		ExperimentID: exp.ID,
		Results:      make([]ItemResult, len(subs)),
	}
	syncedAt := s.now()

	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	var workers errgroup.Group
	workers.SetLimit(limit)
	for i, sub := range subs {
		i, sub := i, sub
		workers.Go(func() error {
			report.Results[i] = s.syncSubmission(ctx, *exp, study, i, sub, syncedAt)
			return nil
		})
	}
	_ = workers.Wait()

	for _, res := range report.Results {
		if s.Observer != nil {
			s.Observer.ObserveParticipantSync(string(res.Outcome))
		}
		if res.Outcome == OutcomeSynced {
			report.SyncedParticipants++
		}
	}

	if study.Status == StudyCompleted {
		changed, err := s.Store.MarkExperimentCompleted(ctx, exp.ID, syncedAt)
		if err != nil {
			return report, fmt.Errorf("complete experiment %s: %w", exp.ID, err)
		}
		report.ExperimentCompleted = changed
	}

	s.log().WithFields(logrus.Fields{
		"study_id":      studyID,
		"experiment_id": exp.ID,
		"submissions":   len(subs),
		"synced":        report.SyncedParticipants,
		"failed":        len(report.Failed()),
		"completed":     report.ExperimentCompleted,
	}).Info("prolific study synced")
	return report, nil
}

func (s *Syncer) syncSubmission(ctx context.Context, exp domain.Experiment, study Study, index int, sub Submission, syncedAt string) ItemResult {
	res := ItemResult{SubmissionID: sub.ID, ParticipantID: sub.ParticipantID}
	if sub.ParticipantID == "" {
		res.Outcome = OutcomeSkipped
		return res
	}
	log := s.log().WithFields(logrus.Fields{"submission_id": sub.ID, "participant_id": sub.ParticipantID})

	demographics, source := s.resolveDemographics(ctx, index, sub, log)
	status := LocalParticipantStatus(sub.Status)
	bonuses := append([]int(nil), sub.BonusPayments...)
	payment := domain.NewPayment(study.Reward, bonuses)

	completionCode := study.CompletionCode
	if completionCode == "" && exp.CompletionCode != nil {
		completionCode = *exp.CompletionCode
	}

	pid := sub.ParticipantID
	p := domain.Participant{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		ProlificID:   &pid,
		Status:       status,
		Metadata: domain.ParticipantMetadata{
			Demographics:       &demographics,
			DemographicsSource: source,
			Submission: &domain.SubmissionInfo{
				ID:               sub.ID,
				Status:           string(sub.Status),
				StartedAt:        sub.StartedAt,
				CompletedAt:      sub.CompletedAt,
				TimeTakenSeconds: sub.TimeTaken,
			},
			CompletionCode: completionCode,
			Payment:        &payment,
			SyncedAt:       syncedAt,
		},
		CreatedAt: syncedAt,
		UpdatedAt: syncedAt,
	}
	res.Status = status
	res.DemographicsSource = source

	if err := s.Store.UpsertProlificParticipant(ctx, p); err != nil {
		log.WithError(err).Warn("participant upsert failed")
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Error = err.Error()
		return res
	}
	res.Outcome = OutcomeSynced
	return res
}

func (s *Syncer) resolveDemographics(ctx context.Context, index int, sub Submission, log logrus.FieldLogger) (domain.Demographics, domain.DemographicsSource) {
	if sub.ParticipantInfo != nil {
		return sub.ParticipantInfo.Demographics(), domain.DemographicsFromSubmission
	}
	info, err := s.API.GetParticipant(ctx, sub.ParticipantID)
	if err == nil {
		return info.Demographics(), domain.DemographicsFromProfile
	}
	log.WithError(err).Debug("participant profile unavailable, using placeholder demographics")
	return PlaceholderDemographics(index), domain.DemographicsFromPlaceholder
}
