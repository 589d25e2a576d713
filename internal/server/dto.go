package server

import (
	"encoding/json"

	"owleval/internal/domain"
	"owleval/internal/engine"
	"owleval/internal/prolific"
	"owleval/internal/repo"
	"owleval/internal/screening"
)

type CreateExperimentRequest struct {
	Slug           string                `json:"slug" minLength:"1" maxLength:"64"`
	Name           string                `json:"name" minLength:"1"`
	Description    string                `json:"description,omitempty"`
	EvaluationMode domain.EvaluationMode `json:"evaluation_mode" enum:"comparison,single_video"`
	Config         map[string]any        `json:"config,omitempty"`
}

type SetStatusRequest struct {
	Status domain.ExperimentStatus `json:"status" enum:"draft,ready,active,paused,completed"`
}

type ConfigRequest struct {
	Config map[string]any `json:"config"`
}

type StartSessionRequest struct {
	ProlificID string `json:"prolific_id,omitempty"`
	StudyID    string `json:"study_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

type ScreeningRequest struct {
	Mode    domain.EvaluationMode `json:"mode" enum:"comparison,single_video"`
	Answers map[string]any        `json:"answers"`
}

type SubmissionRequest struct {
	ParticipantID         string            `json:"participant_id"`
	TaskID                string            `json:"task_id"`
	Winners               map[string]string `json:"winners,omitempty"`
	Ratings               map[string]int    `json:"ratings,omitempty"`
	CompletionTimeSeconds *int              `json:"completion_time_seconds,omitempty" minimum:"0"`
	Draft                 bool              `json:"draft,omitempty"`
}

type CreateStudyRequest struct {
	Name                string   `json:"name,omitempty"`
	Description         string   `json:"description,omitempty"`
	Participants        int      `json:"participants,omitempty" minimum:"0"`
	TasksPerParticipant int      `json:"tasks_per_participant,omitempty" minimum:"0"`
	Reward              string   `json:"reward,omitempty" example:"2.50"`
	Devices             []string `json:"devices,omitempty"`
}

type LinkStudyRequest struct {
	StudyID string `json:"study_id" minLength:"1"`
}

type StudyTransitionRequest struct {
	Action prolific.StudyAction `json:"action" enum:"PUBLISH,PAUSE,START,STOP"`
}

type ReviewRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

type ExperimentResponse struct {
	ID              string                  `json:"id"`
	Slug            string                  `json:"slug"`
	Name            string                  `json:"name"`
	Description     string                  `json:"description,omitempty"`
	EvaluationMode  domain.EvaluationMode   `json:"evaluation_mode"`
	Config          map[string]any          `json:"config,omitempty"`
	ProlificStudyID string                  `json:"prolific_study_id,omitempty"`
	CompletionCode  string                  `json:"completion_code,omitempty"`
	Status          domain.ExperimentStatus `json:"status"`
	Archived        bool                    `json:"archived"`
	ArchivedAt      string                  `json:"archived_at,omitempty"`
	CompletedAt     string                  `json:"completed_at,omitempty"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at"`
}

type ParticipantResponse struct {
	ID           string                     `json:"id"`
	ExperimentID string                     `json:"experiment_id"`
	ProlificID   string                     `json:"prolific_id,omitempty"`
	SessionID    string                     `json:"session_id,omitempty"`
	Status       domain.ParticipantStatus   `json:"status"`
	Metadata     domain.ParticipantMetadata `json:"metadata"`
	Valid        *bool                      `json:"valid,omitempty"`
	Submissions  *int                       `json:"submissions,omitempty"`
	CreatedAt    string                     `json:"created_at"`
	UpdatedAt    string                     `json:"updated_at"`
}

type TaskCountsResponse struct {
	Comparison  int `json:"comparison"`
	SingleVideo int `json:"single_video"`
}

type SyncResponse struct {
	StudyID             string                `json:"study_id"`
	StudyStatus         prolific.StudyStatus  `json:"study_status"`
	ExperimentID        string                `json:"experiment_id"`
	Submissions         int                   `json:"submissions"`
	SyncedParticipants  int                   `json:"synced_participants"`
	ExperimentCompleted bool                  `json:"experiment_completed"`
	Results             []prolific.ItemResult `json:"results"`
}

type StudyResponse struct {
	Study      prolific.Study      `json:"study"`
	Experiment *ExperimentResponse `json:"experiment,omitempty"`
}

type ScreeningTasksResponse struct {
	Version         string                     `json:"version"`
	PassThreshold   int                        `json:"pass_threshold"`
	VideoTasks      []screening.VideoTask      `json:"video_tasks"`
	ComparisonTasks []screening.ComparisonTask `json:"comparison_tasks"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func experimentResponse(e domain.Experiment) ExperimentResponse {
	resp := ExperimentResponse{
		ID:              e.ID,
		Slug:            e.Slug,
		Name:            e.Name,
		Description:     e.Description,
		EvaluationMode:  e.EvaluationMode,
		ProlificStudyID: stringOrEmpty(e.ProlificStudyID),
		CompletionCode:  stringOrEmpty(e.CompletionCode),
		Status:          e.Status,
		Archived:        e.Archived,
		ArchivedAt:      stringOrEmpty(e.ArchivedAt),
		CompletedAt:     stringOrEmpty(e.CompletedAt),
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if e.Config != nil {
		if b, err := json.Marshal(e.Config); err == nil {
			_ = json.Unmarshal(b, &resp.Config)
		}
	}
	return resp
}

func mapExperiments(items []domain.Experiment) []ExperimentResponse {
	out := make([]ExperimentResponse, 0, len(items))
	for _, e := range items {
		out = append(out, experimentResponse(e))
	}
	return out
}

func participantResponse(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		ID:           p.ID,
		ExperimentID: p.ExperimentID,
		ProlificID:   p.ProlificIDValue(),
		SessionID:    p.SessionID,
		Status:       p.Status,
		Metadata:     p.Metadata,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func participantSummaryResponse(s engine.ParticipantSummary) ParticipantResponse {
	resp := participantResponse(s.Participant)
	valid, subs := s.Valid, s.Submissions
	resp.Valid, resp.Submissions = &valid, &subs
	return resp
}

func taskCountsResponse(c repo.TaskCounts) TaskCountsResponse {
	return TaskCountsResponse{Comparison: c.Comparison, SingleVideo: c.SingleVideo}
}

func syncResponse(r prolific.SyncReport) SyncResponse {
	results := r.Results
	if results == nil {
		results = []prolific.ItemResult{}
	}
	return SyncResponse{
		StudyID:             r.Study.ID,
		StudyStatus:         r.Study.Status,
		ExperimentID:        r.ExperimentID,
		Submissions:         len(r.Submissions),
		SyncedParticipants:  r.SyncedParticipants,
		ExperimentCompleted: r.ExperimentCompleted,
		Results:             results,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		ExperimentID: e.ExperimentID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      map[string]any{},
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}

func configBytes(cfg map[string]any) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(cfg)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type ComparisonTaskInput struct {
	ID         string `json:"id,omitempty"`
	ScenarioID string `json:"scenario_id"`
	ModelA     string `json:"model_a"`
	ModelB     string `json:"model_b"`
	VideoAPath string `json:"video_a_path"`
	VideoBPath string `json:"video_b_path"`
}

type SingleVideoTaskInput struct {
	ID         string `json:"id,omitempty"`
	ScenarioID string `json:"scenario_id"`
	ModelName  string `json:"model_name"`
	VideoPath  string `json:"video_path"`
}

type ReplaceTasksRequest struct {
	ComparisonTasks  []ComparisonTaskInput  `json:"comparison_tasks,omitempty"`
	SingleVideoTasks []SingleVideoTaskInput `json:"single_video_tasks,omitempty"`
}

func (r ReplaceTasksRequest) manifest() engine.TaskManifest {
	var m engine.TaskManifest
	for _, t := range r.ComparisonTasks {
		m.ComparisonTasks = append(m.ComparisonTasks, domain.ComparisonTask{
			ID:         t.ID,
			ScenarioID: t.ScenarioID,
			ModelA:     t.ModelA,
			ModelB:     t.ModelB,
			VideoAPath: t.VideoAPath,
			VideoBPath: t.VideoBPath,
		})
	}
	for _, t := range r.SingleVideoTasks {
		m.SingleVideoTasks = append(m.SingleVideoTasks, domain.SingleVideoTask{
			ID:         t.ID,
			ScenarioID: t.ScenarioID,
			ModelName:  t.ModelName,
			VideoPath:  t.VideoPath,
		})
	}
	return m
}

type CompletionResponse struct {
	Participant    ParticipantResponse `json:"participant"`
	CompletionCode string              `json:"completion_code,omitempty"`
	RedirectURL    string              `json:"redirect_url,omitempty"`
}
