package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"owleval/internal/domain"
)

func (r Repo) InsertComparisonSubmission(ctx context.Context, tx *sql.Tx, s domain.ComparisonSubmission) error {
	scores, err := json.Marshal(s.DimensionScores)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO comparison_submissions(id,experiment_id,task_id,participant_id,dimension_scores_json,completion_time_seconds,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ExperimentID, s.TaskID, s.ParticipantID, string(scores), nullableIntPtr(s.CompletionTimeSeconds), s.Status, s.CreatedAt)
	return err
}

func (r Repo) InsertSingleVideoSubmission(ctx context.Context, tx *sql.Tx, s domain.SingleVideoSubmission) error {
	scores, err := json.Marshal(s.DimensionScores)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO single_video_submissions(id,experiment_id,task_id,participant_id,dimension_scores_json,completion_time_seconds,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ExperimentID, s.TaskID, s.ParticipantID, string(scores), nullableIntPtr(s.CompletionTimeSeconds), s.Status, s.CreatedAt)
	return err
}

func (r Repo) ListComparisonSubmissions(ctx context.Context, experimentID string) ([]domain.ComparisonSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,experiment_id,task_id,participant_id,dimension_scores_json,completion_time_seconds,status,created_at FROM comparison_submissions WHERE experiment_id=? ORDER BY created_at, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComparisonSubmission
	for rows.Next() {
		var (
			s       domain.ComparisonSubmission
			scores  string
			seconds sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.ExperimentID, &s.TaskID, &s.ParticipantID, &scores, &seconds, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scores), &s.DimensionScores); err != nil {
			return nil, fmt.Errorf("submission %s scores: %w", s.ID, err)
		}
		s.CompletionTimeSeconds = intPtr(seconds)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListSingleVideoSubmissions(ctx context.Context, experimentID string) ([]domain.SingleVideoSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,experiment_id,task_id,participant_id,dimension_scores_json,completion_time_seconds,status,created_at FROM single_video_submissions WHERE experiment_id=? ORDER BY created_at, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SingleVideoSubmission
	for rows.Next() {
		var (
			s       domain.SingleVideoSubmission
			scores  string
			seconds sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.ExperimentID, &s.TaskID, &s.ParticipantID, &scores, &seconds, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scores), &s.DimensionScores); err != nil {
			return nil, fmt.Errorf("submission %s scores: %w", s.ID, err)
		}
		s.CompletionTimeSeconds = intPtr(seconds)
		res = append(res, s)
	}
	return res, rows.Err()
}

type SubmissionCounts struct {
	Comparison  int
	SingleVideo int
}

func (c SubmissionCounts) Total() int {
	return c.Comparison + c.SingleVideo
}

// SubmissionCountsByParticipant counts completed submissions of an experiment per participant.
func (r Repo) SubmissionCountsByParticipant(ctx context.Context, experimentID string) (map[string]SubmissionCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT participant_id, 'comparison', count(*) FROM comparison_submissions WHERE experiment_id=? AND status='completed' GROUP BY participant_id
UNION ALL
SELECT participant_id, 'single_video', count(*) FROM single_video_submissions WHERE experiment_id=? AND status='completed' GROUP BY participant_id`, experimentID, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]SubmissionCounts{}
	for rows.Next() {
		var (
			participantID string
			mode          domain.EvaluationMode
			n             int
		)
		if err := rows.Scan(&participantID, &mode, &n); err != nil {
			return nil, err
		}
		c := res[participantID]
		if mode == domain.ModeComparison {
			c.Comparison += n
		} else {
			c.SingleVideo += n
		}
		res[participantID] = c
	}
	return res, rows.Err()
}
