package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"owleval/internal/domain"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

type ExportTotals struct {
	ComparisonTasks        int `json:"comparison_tasks"`
	SingleVideoTasks       int `json:"single_video_tasks"`
	ComparisonSubmissions  int `json:"comparison_submissions"`
	SingleVideoSubmissions int `json:"single_video_submissions"`
	Participants           int `json:"participants"`
}

// ExperimentExport is everything stored for one experiment.
type ExperimentExport struct {
	Experiment             domain.Experiment              `json:"experiment"`
	ComparisonTasks        []domain.ComparisonTask        `json:"comparison_tasks"`
	SingleVideoTasks       []domain.SingleVideoTask       `json:"single_video_tasks"`
	ComparisonSubmissions  []domain.ComparisonSubmission  `json:"comparison_submissions"`
	SingleVideoSubmissions []domain.SingleVideoSubmission `json:"single_video_submissions"`
	Participants           []domain.Participant           `json:"participants"`
	ExportedAt             string                         `json:"exported_at"`
	TotalRecords           ExportTotals                   `json:"total_records"`
}

var exportCSVHeader = []string{
	"submission_id", "mode", "task_id", "participant_id", "prolific_id", "participant_status",
	"submission_status", "dimension", "answer", "completion_time_seconds", "created_at",
}

// ExportExperiment writes an experiment's tasks, participants and submissions. JSON carries the
// whole document; CSV is long format with one row per submission dimension.
func (e Engine) ExportExperiment(ctx context.Context, ref string, format ExportFormat, w io.Writer) (ExperimentExport, error) {
	if format == "" {
		format = ExportJSON
	}
	if format != ExportJSON && format != ExportCSV {
		return ExperimentExport{}, fmt.Errorf("unknown export format %q (must be json or csv)", format)
	}
	exp, err := e.GetExperiment(ctx, ref)
	if err != nil {
		return ExperimentExport{}, err
	}
	out := ExperimentExport{Experiment: exp, ExportedAt: e.stamp()}
	if out.ComparisonTasks, err = e.Repo.ListComparisonTasks(ctx, exp.ID); err != nil {
		return out, err
	}
	if out.SingleVideoTasks, err = e.Repo.ListSingleVideoTasks(ctx, exp.ID); err != nil {
		return out, err
	}
	if out.ComparisonSubmissions, err = e.Repo.ListComparisonSubmissions(ctx, exp.ID); err != nil {
		return out, err
	}
	if out.SingleVideoSubmissions, err = e.Repo.ListSingleVideoSubmissions(ctx, exp.ID); err != nil {
		return out, err
	}
	if out.Participants, err = e.Repo.ListParticipants(ctx, exp.ID); err != nil {
		return out, err
	}
	out.ComparisonTasks = nonNil(out.ComparisonTasks)
	out.SingleVideoTasks = nonNil(out.SingleVideoTasks)
	out.ComparisonSubmissions = nonNil(out.ComparisonSubmissions)
	out.SingleVideoSubmissions = nonNil(out.SingleVideoSubmissions)
	out.Participants = nonNil(out.Participants)
	out.TotalRecords = ExportTotals{
		ComparisonTasks:        len(out.ComparisonTasks),
		SingleVideoTasks:       len(out.SingleVideoTasks),
		ComparisonSubmissions:  len(out.ComparisonSubmissions),
		SingleVideoSubmissions: len(out.SingleVideoSubmissions),
		Participants:           len(out.Participants),
	}

	if format == ExportJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return out, enc.Encode(out)
	}
	return out, writeExportCSV(w, out)
}

func writeExportCSV(w io.Writer, x ExperimentExport) error {
	byID := make(map[string]domain.Participant, len(x.Participants))
	for _, p := range x.Participants {
		byID[p.ID] = p
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportCSVHeader); err != nil {
		return err
	}
	row := func(id string, mode domain.EvaluationMode, taskID, participantID string, status domain.SubmissionStatus, seconds *int, createdAt string, dims []string, answer func(string) string) error {
		p := byID[participantID]
		secs := ""
		if seconds != nil {
			secs = strconv.Itoa(*seconds)
		}
		for _, d := range dims {
			rec := []string{id, string(mode), taskID, participantID, p.ProlificIDValue(), string(p.Status),
				string(status), d, answer(d), secs, createdAt}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range x.ComparisonSubmissions {
		scores := s.DimensionScores
		if err := row(s.ID, domain.ModeComparison, s.TaskID, s.ParticipantID, s.Status, s.CompletionTimeSeconds, s.CreatedAt,
			sortedKeys(scores), func(d string) string { return scores[d] }); err != nil {
			return err
		}
	}
	for _, s := range x.SingleVideoSubmissions {
		scores := s.DimensionScores
		if err := row(s.ID, domain.ModeSingleVideo, s.TaskID, s.ParticipantID, s.Status, s.CompletionTimeSeconds, s.CreatedAt,
			sortedKeys(scores), func(d string) string { return strconv.Itoa(scores[d]) }); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
