package progress

import (
	"strings"

	"owleval/internal/domain"
)

const (
	// AnonymousIDPrefix marks ids minted locally; they never identify a Prolific participant.
	AnonymousIDPrefix = "anon-"
	// AnonymousSessionPrefix marks sessions started without Prolific recruitment.
	AnonymousSessionPrefix = "anon-session-"
)

// ExperimentContext is the slice of an experiment the validity rules depend on.
type ExperimentContext struct {
	ProlificStudyID string
}

func ContextFor(e domain.Experiment) ExperimentContext {
	if e.ProlificStudyID == nil {
		return ExperimentContext{}
	}
	return ExperimentContext{ProlificStudyID: *e.ProlificStudyID}
}

type FilterOptions struct {
	IncludeAnonymous bool
}

var (
	prolificAllowList = map[domain.ParticipantStatus]bool{
		domain.ParticipantApproved: true,
	}
	selfHostedAllowList = map[domain.ParticipantStatus]bool{
		domain.ParticipantActive:    true,
		domain.ParticipantCompleted: true,
		domain.ParticipantApproved:  true,
	}
)

// AllowedStatuses returns the statuses that count for the experiment. Prolific-linked
// experiments only count approved participants.
func AllowedStatuses(exp ExperimentContext) map[domain.ParticipantStatus]bool {
	if exp.ProlificStudyID != "" {
		return prolificAllowList
	}
	return selfHostedAllowList
}

// IsProlificIdentified reports a non-empty prolific id that is not a locally minted anon id.
func IsProlificIdentified(p domain.Participant) bool {
	id := p.ProlificIDValue()
	return id != "" && !strings.HasPrefix(id, AnonymousIDPrefix)
}

// IsAnonymous reports a participant whose session key carries the anonymous-session marker.
func IsAnonymous(p domain.Participant) bool {
	key := p.SessionID
	if key == "" {
		key = p.ProlificIDValue()
	}
	return strings.HasPrefix(key, AnonymousSessionPrefix)
}

// IsValidParticipant decides whether a participant counts toward progress.
func IsValidParticipant(p domain.Participant, exp ExperimentContext, opts FilterOptions) bool {
	if !AllowedStatuses(exp)[p.Status] {
		return false
	}
	identified := IsProlificIdentified(p)
	anonymous := IsAnonymous(p)
	if opts.IncludeAnonymous {
		return identified || anonymous
	}
	return identified && !anonymous
}

// FilterParticipants keeps the valid participants in their original order.
func FilterParticipants(ps []domain.Participant, exp ExperimentContext, opts FilterOptions) []domain.Participant {
	out := make([]domain.Participant, 0, len(ps))
	for _, p := range ps {
		if IsValidParticipant(p, exp, opts) {
			out = append(out, p)
		}
	}
	return out
}
