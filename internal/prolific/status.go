package prolific

import (
	"strings"

	"owleval/internal/domain"
)

// StudyStatus is Prolific's uppercase study state.
type StudyStatus string

const (
	StudyUnpublished    StudyStatus = "UNPUBLISHED"
	StudyScheduled      StudyStatus = "SCHEDULED"
	StudyActive         StudyStatus = "ACTIVE"
	StudyAwaitingReview StudyStatus = "AWAITING_REVIEW"
	StudyPaused         StudyStatus = "PAUSED"
	StudyCompleted      StudyStatus = "COMPLETED"
)

// SubmissionStatus is Prolific's uppercase submission state.
type SubmissionStatus string

const (
	SubmissionActive         SubmissionStatus = "ACTIVE"
	SubmissionAwaitingReview SubmissionStatus = "AWAITING_REVIEW"
	SubmissionApproved       SubmissionStatus = "APPROVED"
	SubmissionRejected       SubmissionStatus = "REJECTED"
	SubmissionReturned       SubmissionStatus = "RETURNED"
	SubmissionTimedOut       SubmissionStatus = "TIMED-OUT"
	SubmissionScreenedOut    SubmissionStatus = "SCREENED OUT"
)

var submissionToLocal = map[SubmissionStatus]domain.ParticipantStatus{
	SubmissionActive:         domain.ParticipantActive,
	SubmissionAwaitingReview: domain.ParticipantAwaitingReview,
	SubmissionApproved:       domain.ParticipantApproved,
	SubmissionRejected:       domain.ParticipantRejected,
	SubmissionReturned:       domain.ParticipantReturned,
	SubmissionTimedOut:       domain.ParticipantTimedOut,
	SubmissionScreenedOut:    domain.ParticipantScreenedOut,
}

var localToSubmission = func() map[domain.ParticipantStatus]SubmissionStatus {
	out := make(map[domain.ParticipantStatus]SubmissionStatus, len(submissionToLocal))
	for ext, local := range submissionToLocal {
		out[local] = ext
	}
	return out
}()

var studyToLocal = map[StudyStatus]domain.ExperimentStatus{
	StudyUnpublished:    domain.ExperimentReady,
	StudyScheduled:      domain.ExperimentReady,
	StudyActive:         domain.ExperimentActive,
	StudyAwaitingReview: domain.ExperimentActive,
	StudyPaused:         domain.ExperimentPaused,
	StudyCompleted:      domain.ExperimentCompleted,
}

// LocalParticipantStatus maps a submission status onto the local vocabulary. TIMED-OUT and
// SCREENED OUT become timed_out and screened_out, matching the local enum rather than a plain
// lowercase copy. Unknown values get the same treatment: lowercased, dashes and spaces turned
// into underscores. None of these is on a validity allow-list.
func LocalParticipantStatus(s SubmissionStatus) domain.ParticipantStatus {
	if local, ok := submissionToLocal[s]; ok {
		return local
	}
	return domain.ParticipantStatus(normalize(string(s)))
}

// ExternalSubmissionStatus is the inverse mapping. Local-only statuses have none.
func ExternalSubmissionStatus(s domain.ParticipantStatus) (SubmissionStatus, bool) {
	ext, ok := localToSubmission[s]
	return ext, ok
}

// LocalExperimentStatus maps a study status onto the experiment lifecycle.
func LocalExperimentStatus(s StudyStatus) (domain.ExperimentStatus, bool) {
	local, ok := studyToLocal[s]
	return local, ok
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}
