package domain

type DemographicsSource string

const (
	DemographicsFromSubmission  DemographicsSource = "submission"
	DemographicsFromProfile     DemographicsSource = "profile"
	DemographicsFromPlaceholder DemographicsSource = "placeholder"
)

// Genuine reports whether the data came from Prolific rather than the placeholder table.
func (s DemographicsSource) Genuine() bool {
	return s == DemographicsFromSubmission || s == DemographicsFromProfile
}

type Demographics struct {
	Age                *int     `json:"age,omitempty"`
	Sex                string   `json:"sex,omitempty"`
	Nationality        string   `json:"nationality,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	EmploymentStatus   string   `json:"employment_status,omitempty"`
	StudentStatus      string   `json:"student_status,omitempty"`
	CountryOfResidence string   `json:"country_of_residence,omitempty"`
}

type SubmissionInfo struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	TimeTakenSeconds *int    `json:"time_taken_seconds,omitempty"`
}

// Payment amounts are in minor currency units. The base reward always comes from the study.
type Payment struct {
	StudyReward int `json:"study_reward"`
	BonusTotal  int `json:"bonus_total"`
	Total       int `json:"total"`
}

func NewPayment(studyReward int, bonuses []int) Payment {
	p := Payment{StudyReward: studyReward}
	for _, b := range bonuses {
		p.BonusTotal += b
	}
	p.Total = p.StudyReward + p.BonusTotal
	return p
}

type ScreeningRecord struct {
	Mode        EvaluationMode `json:"mode"`
	Version     string         `json:"version"`
	Passed      bool           `json:"passed"`
	PassedTasks []string       `json:"passed_tasks"`
	FailedTasks []string       `json:"failed_tasks"`
	RecordedAt  string         `json:"recorded_at" format:"date-time"`
}

// PassFraction is the share of screening tasks passed, 0 when none were graded.
func (r ScreeningRecord) PassFraction() float64 {
	total := len(r.PassedTasks) + len(r.FailedTasks)
	if total == 0 {
		return 0
	}
	return float64(len(r.PassedTasks)) / float64(total)
}

type ParticipantMetadata struct {
	Demographics       *Demographics      `json:"demographics,omitempty"`
	DemographicsSource DemographicsSource `json:"demographics_source,omitempty"`
	Submission         *SubmissionInfo    `json:"submission,omitempty"`
	CompletionCode     string             `json:"completion_code,omitempty"`
	Payment            *Payment           `json:"payment,omitempty"`
	SyncedAt           string             `json:"synced_at,omitempty"`
	Screening          *ScreeningRecord   `json:"screening,omitempty"`
}
