package domain

type EvaluationMode string

const (
	ModeComparison  EvaluationMode = "comparison"
	ModeSingleVideo EvaluationMode = "single_video"
)

func (m EvaluationMode) Valid() bool {
	return m == ModeComparison || m == ModeSingleVideo
}

type Experiment struct {
	ID              string            `json:"id"`
	Slug            string            `json:"slug"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	EvaluationMode  EvaluationMode    `json:"evaluation_mode" enum:"comparison,single_video"`
	Config          *ExperimentConfig `json:"config,omitempty"`
	ProlificStudyID *string           `json:"prolific_study_id,omitempty"`
	CompletionCode  *string           `json:"completion_code,omitempty"`
	Status          ExperimentStatus  `json:"status" enum:"draft,ready,active,paused,completed"`
	Archived        bool              `json:"archived"`
	ArchivedAt      *string           `json:"archived_at,omitempty" format:"date-time"`
	CompletedAt     *string           `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

// IsProlificLinked reports whether recruitment runs through Prolific.
func (e Experiment) IsProlificLinked() bool {
	return e.ProlificStudyID != nil && *e.ProlificStudyID != ""
}

type Participant struct {
	ID           string              `json:"id"`
	ExperimentID string              `json:"experiment_id"`
	ProlificID   *string             `json:"prolific_id,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	Status       ParticipantStatus   `json:"status"`
	Metadata     ParticipantMetadata `json:"metadata"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	UpdatedAt    string              `json:"updated_at" format:"date-time"`
}

func (p Participant) ProlificIDValue() string {
	if p.ProlificID == nil {
		return ""
	}
	return *p.ProlificID
}

type ComparisonTask struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	ScenarioID   string `json:"scenario_id" yaml:"scenario_id" validate:"required"`
	ModelA       string `json:"model_a" yaml:"model_a" validate:"required"`
	ModelB       string `json:"model_b" yaml:"model_b" validate:"required"`
	VideoAPath   string `json:"video_a_path" yaml:"video_a_path" validate:"required"`
	VideoBPath   string `json:"video_b_path" yaml:"video_b_path" validate:"required"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type SingleVideoTask struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	ScenarioID   string `json:"scenario_id" yaml:"scenario_id" validate:"required"`
	ModelName    string `json:"model_name" yaml:"model_name" validate:"required"`
	VideoPath    string `json:"video_path" yaml:"video_path" validate:"required"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type SubmissionStatus string

const (
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionCompleted SubmissionStatus = "completed"
)

// ComparisonSubmission records the winner (A, B or Equal) per dimension.
type ComparisonSubmission struct {
	ID                    string            `json:"id"`
	ExperimentID          string            `json:"experiment_id"`
	TaskID                string            `json:"task_id"`
	ParticipantID         string            `json:"participant_id"`
	DimensionScores       map[string]string `json:"dimension_scores"`
	CompletionTimeSeconds *int              `json:"completion_time_seconds,omitempty"`
	Status                SubmissionStatus  `json:"status"`
	CreatedAt             string            `json:"created_at" format:"date-time"`
}

// SingleVideoSubmission records a rating per dimension.
type SingleVideoSubmission struct {
	ID                    string           `json:"id"`
	ExperimentID          string           `json:"experiment_id"`
	TaskID                string           `json:"task_id"`
	ParticipantID         string           `json:"participant_id"`
	DimensionScores       map[string]int   `json:"dimension_scores"`
	CompletionTimeSeconds *int             `json:"completion_time_seconds,omitempty"`
	Status                SubmissionStatus `json:"status"`
	CreatedAt             string           `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}
