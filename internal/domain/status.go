package domain

type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentReady     ExperimentStatus = "ready"
	ExperimentActive    ExperimentStatus = "active"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

var experimentStatusRank = map[ExperimentStatus]int{
	ExperimentDraft:     0,
	ExperimentReady:     1,
	ExperimentActive:    2,
	ExperimentPaused:    3,
	ExperimentCompleted: 4,
}

// Rank orders the lifecycle draft < ready < active < paused < completed.
// Unknown statuses rank -1.
func (s ExperimentStatus) Rank() int {
	if r, ok := experimentStatusRank[s]; ok {
		return r
	}
	return -1
}

func (s ExperimentStatus) Valid() bool {
	_, ok := experimentStatusRank[s]
	return ok
}

var experimentTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentDraft:  {ExperimentReady},
	ExperimentReady:  {ExperimentDraft, ExperimentActive},
	ExperimentActive: {ExperimentPaused, ExperimentCompleted},
	ExperimentPaused: {ExperimentActive, ExperimentCompleted},
}

// CanTransition reports whether an operator may move an experiment from one status to another.
// Completed is terminal.
func CanTransition(from, to ExperimentStatus) bool {
	for _, next := range experimentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParticipantStatus is the local, lowercase participant status vocabulary.
type ParticipantStatus string

const (
	ParticipantActive         ParticipantStatus = "active"
	ParticipantCompleted      ParticipantStatus = "completed"
	ParticipantApproved       ParticipantStatus = "approved"
	ParticipantAwaitingReview ParticipantStatus = "awaiting_review"
	ParticipantRejected       ParticipantStatus = "rejected"
	ParticipantReturned       ParticipantStatus = "returned"
	ParticipantTimedOut       ParticipantStatus = "timed_out"
	ParticipantScreenedOut    ParticipantStatus = "screened_out"
)
