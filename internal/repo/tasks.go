package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"owleval/internal/domain"
)

// ErrTasksInUse is returned when tasks cannot be replaced because submissions reference them.
var ErrTasksInUse = errors.New("tasks have submissions")

// ReplaceComparisonTasks deletes and recreates an experiment's comparison tasks. Must run in tx.
func (r Repo) ReplaceComparisonTasks(ctx context.Context, tx *sql.Tx, experimentID string, tasks []domain.ComparisonTask) error {
	if err := ensureNoSubmissions(ctx, tx, "comparison_submissions", experimentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comparison_tasks WHERE experiment_id=?`, experimentID); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO comparison_tasks(id,experiment_id,scenario_id,model_a,model_b,video_a_path,video_b_path,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			t.ID, experimentID, t.ScenarioID, t.ModelA, t.ModelB, t.VideoAPath, t.VideoBPath, t.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceSingleVideoTasks deletes and recreates an experiment's single-video tasks. Must run in tx.
func (r Repo) ReplaceSingleVideoTasks(ctx context.Context, tx *sql.Tx, experimentID string, tasks []domain.SingleVideoTask) error {
	if err := ensureNoSubmissions(ctx, tx, "single_video_submissions", experimentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM single_video_tasks WHERE experiment_id=?`, experimentID); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO single_video_tasks(id,experiment_id,scenario_id,model_name,video_path,created_at) VALUES (?,?,?,?,?,?)`,
			t.ID, experimentID, t.ScenarioID, t.ModelName, t.VideoPath, t.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func ensureNoSubmissions(ctx context.Context, tx *sql.Tx, table, experimentID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE experiment_id=?`, table), experimentID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d recorded", ErrTasksInUse, n)
	}
	return nil
}

func (r Repo) ListComparisonTasks(ctx context.Context, experimentID string) ([]domain.ComparisonTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,experiment_id,scenario_id,model_a,model_b,video_a_path,video_b_path,created_at FROM comparison_tasks WHERE experiment_id=? ORDER BY scenario_id, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComparisonTask
	for rows.Next() {
		var t domain.ComparisonTask
		if err := rows.Scan(&t.ID, &t.ExperimentID, &t.ScenarioID, &t.ModelA, &t.ModelB, &t.VideoAPath, &t.VideoBPath, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListSingleVideoTasks(ctx context.Context, experimentID string) ([]domain.SingleVideoTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,experiment_id,scenario_id,model_name,video_path,created_at FROM single_video_tasks WHERE experiment_id=? ORDER BY scenario_id, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SingleVideoTask
	for rows.Next() {
		var t domain.SingleVideoTask
		if err := rows.Scan(&t.ID, &t.ExperimentID, &t.ScenarioID, &t.ModelName, &t.VideoPath, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskExperiment returns the experiment owning a task of the given mode.
func (r Repo) TaskExperiment(ctx context.Context, tx *sql.Tx, mode domain.EvaluationMode, taskID string) (string, error) {
	table := "comparison_tasks"
	if mode == domain.ModeSingleVideo {
		table = "single_video_tasks"
	}
	var experimentID string
	err := r.on(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT experiment_id FROM %s WHERE id=?`, table), taskID).Scan(&experimentID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return experimentID, err
}

type TaskCounts struct {
	Comparison  int
	SingleVideo int
}

func (r Repo) CountTasks(ctx context.Context, experimentID string) (TaskCounts, error) {
	var c TaskCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT count(*) FROM comparison_tasks WHERE experiment_id=?),
  (SELECT count(*) FROM single_video_tasks WHERE experiment_id=?)`, experimentID, experimentID).Scan(&c.Comparison, &c.SingleVideo)
	return c, err
}
