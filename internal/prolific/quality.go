package prolific

// QualityFlag marks a pattern in a participant's responses that halves their quality score.
type QualityFlag string

const (
	FlagVeryFast    QualityFlag = "very_fast_completion"
	FlagNoVariation QualityFlag = "no_variation_in_responses"
)

const (
	// FastCompletionSeconds is the average time per evaluation below which FlagVeryFast is raised.
	FastCompletionSeconds = 30
	QualityPenalty        = 0.5
)

// ResponseSample is one completed evaluation: its duration, when recorded, and its answers.
type ResponseSample struct {
	Seconds *int
	Answers []string
}

// QualityFlags inspects a participant's completed evaluations. The average time only covers
// evaluations with a recorded duration. Variation needs at least two answers to judge.
func QualityFlags(samples []ResponseSample) []QualityFlag {
	var flags []QualityFlag
	var total, n, answers int
	distinct := map[string]struct{}{}
	for _, s := range samples {
		if s.Seconds != nil {
			total += *s.Seconds
			n++
		}
		for _, a := range s.Answers {
			distinct[a] = struct{}{}
			answers++
		}
	}
	if n > 0 && float64(total)/float64(n) < FastCompletionSeconds {
		flags = append(flags, FlagVeryFast)
	}
	if answers >= 2 && len(distinct) == 1 {
		flags = append(flags, FlagNoVariation)
	}
	return flags
}

// ApplyQualityFlags halves score once when any flag is raised.
func ApplyQualityFlags(score float64, flags []QualityFlag) float64 {
	if len(flags) > 0 {
		return score * QualityPenalty
	}
	return score
}
