package prolific

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	DefaultQualityThreshold = 0.8
	DefaultRejectionReason  = "Evaluations did not meet quality standards (random responses detected)"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionSkip    Decision = "skip"
)

type ReviewItem struct {
	SubmissionID  string   `json:"submission_id"`
	ParticipantID string   `json:"participant_id"`
	Score         *float64 `json:"score,omitempty"`
	Decision      Decision `json:"decision"`
	Applied       bool     `json:"applied"`
	Error         string   `json:"error,omitempty"`
}

type ReviewReport struct {
	StudyID  string       `json:"study_id"`
	DryRun   bool         `json:"dry_run"`
	Approved int          `json:"approved"`
	Rejected int          `json:"rejected"`
	Skipped  int          `json:"skipped"`
	Items    []ReviewItem `json:"items"`
}

// Reviewer approves or rejects submissions awaiting review by a per-participant quality score.
type Reviewer struct {
	API             API
	Threshold       float64
	RejectionReason string
	DryRun          bool
	Log             logrus.FieldLogger
	Observer        interface{ ObserveReview(decision string) }
}

// Review decides every AWAITING_REVIEW submission. Participants without a score are left for a
// human. Transition failures are reported per item and do not stop the run.
func (r *Reviewer) Review(ctx context.Context, studyID string, scores map[string]float64) (ReviewReport, error) {
	subs, err := r.API.ListSubmissions(ctx, studyID)
	if err != nil {
		return ReviewReport{}, fmt.Errorf("list submissions for %s: %w", studyID, err)
	}
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultQualityThreshold
	}
	reason := r.RejectionReason
	if reason == "" {
		reason = DefaultRejectionReason
	}
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	report := ReviewReport{StudyID: studyID, DryRun: r.DryRun, Items: []ReviewItem{}}
	for _, sub := range subs {
		if sub.Status != SubmissionAwaitingReview {
			continue
		}
		item := ReviewItem{SubmissionID: sub.ID, ParticipantID: sub.ParticipantID, Decision: DecisionSkip}
		score, ok := scores[sub.ParticipantID]
		if ok && !math.IsNaN(score) {
			item.Score = &score
			item.Decision = DecisionReject
			if score >= threshold {
				item.Decision = DecisionApprove
			}
		}

		switch item.Decision {
		case DecisionSkip:
			report.Skipped++
		case DecisionApprove, DecisionReject:
			if !r.DryRun {
				action, why := ActionApprove, ""
				if item.Decision == DecisionReject {
					action, why = ActionReject, reason
				}
				if err := r.API.TransitionSubmission(ctx, sub.ID, action, why); err != nil {
					item.Error = err.Error()
					log.WithError(err).WithField("submission_id", sub.ID).Warn("review transition failed")
					report.Items = append(report.Items, item)
					continue
				}
				item.Applied = true
			}
			if item.Decision == DecisionApprove {
				report.Approved++
			} else {
				report.Rejected++
			}
		}
		if r.Observer != nil {
			r.Observer.ObserveReview(string(item.Decision))
		}
		log.WithFields(logrus.Fields{
			"submission_id":  sub.ID,
			"participant_id": sub.ParticipantID,
			"decision":       item.Decision,
			"dry_run":        r.DryRun,
		}).Info("submission reviewed")
		report.Items = append(report.Items, item)
	}
	return report, nil
}
