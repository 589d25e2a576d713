package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"owleval/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on runs against tx when one is given, otherwise against the pool.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

const experimentColumns = `id,slug,name,description,evaluation_mode,config_json,prolific_study_id,completion_code,status,archived,archived_at,completed_at,created_at,updated_at`

func scanExperiment(row scanner) (domain.Experiment, error) {
	var (
		e                                 domain.Experiment
		desc, cfg, study, code, arc, done sql.NullString
		archived                          int
	)
	err := row.Scan(&e.ID, &e.Slug, &e.Name, &desc, &e.EvaluationMode, &cfg, &study, &code, &e.Status, &archived, &arc, &done, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Description = desc.String
	e.ProlificStudyID = stringPtr(study)
	e.CompletionCode = stringPtr(code)
	e.Archived = archived != 0
	e.ArchivedAt = stringPtr(arc)
	e.CompletedAt = stringPtr(done)
	if cfg.Valid {
		parsed, err := domain.ParseExperimentConfig([]byte(cfg.String))
		if err != nil {
			return e, fmt.Errorf("experiment %s config: %w", e.ID, err)
		}
		e.Config = parsed
	}
	return e, nil
}

func (r Repo) InsertExperiment(ctx context.Context, tx *sql.Tx, e domain.Experiment) error {
	cfg, err := configJSON(e.Config)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO experiments(`+experimentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Slug, e.Name, nullable(e.Description), e.EvaluationMode, cfg, nullableStringPtr(e.ProlificStudyID),
		nullableStringPtr(e.CompletionCode), e.Status, boolInt(e.Archived), nullableStringPtr(e.ArchivedAt),
		nullableStringPtr(e.CompletedAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	return scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id))
}

func (r Repo) GetExperimentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Experiment, error) {
	return scanExperiment(tx.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id))
}

func (r Repo) GetExperimentBySlug(ctx context.Context, slug string) (domain.Experiment, error) {
	return scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE slug=?`, slug))
}

// ExperimentByProlificStudyID returns nil when no experiment is linked to the study.
func (r Repo) ExperimentByProlificStudyID(ctx context.Context, studyID string) (*domain.Experiment, error) {
	e, err := scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE prolific_study_id=?`, studyID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type ExperimentFilter struct {
	IncludeArchived bool
	ArchivedOnly    bool
	Status          domain.ExperimentStatus
	ProlificOnly    bool
}

func (r Repo) ListExperiments(ctx context.Context, f ExperimentFilter) ([]domain.Experiment, error) {
	var (
		clauses []string
		args    []any
	)
	switch {
	case f.ArchivedOnly:
		clauses = append(clauses, "archived=1")
	case !f.IncludeArchived:
		clauses = append(clauses, "archived=0")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProlificOnly {
		clauses = append(clauses, "prolific_study_id IS NOT NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateExperimentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ExperimentStatus, at string) error {
	var (
		res sql.Result
		err error
	)
	if status == domain.ExperimentCompleted {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE experiments SET status=?, completed_at=COALESCE(completed_at,?), updated_at=? WHERE id=?`, status, at, at, id)
	} else {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE experiments SET status=?, updated_at=? WHERE id=?`, status, at, id)
	}
	return affectedOne(res, err)
}

// MarkExperimentCompleted moves an experiment to completed once. It reports false when the
// experiment was already completed.
func (r Repo) MarkExperimentCompleted(ctx context.Context, experimentID, completedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE experiments SET status='completed', completed_at=COALESCE(completed_at,?), updated_at=? WHERE id=? AND status<>'completed'`,
		completedAt, completedAt, experimentID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ArchiveExperiment(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE experiments SET archived=1, archived_at=COALESCE(archived_at,?), updated_at=? WHERE id=?`, at, at, id)
	return affectedOne(res, err)
}

func (r Repo) LinkProlificStudy(ctx context.Context, tx *sql.Tx, id, studyID, completionCode, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE experiments SET prolific_study_id=?, completion_code=COALESCE(?,completion_code), updated_at=? WHERE id=?`,
		studyID, nullable(completionCode), at, id)
	return affectedOne(res, err)
}

func (r Repo) UpdateExperimentConfig(ctx context.Context, tx *sql.Tx, id string, cfg *domain.ExperimentConfig, at string) error {
	payload, err := configJSON(cfg)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE experiments SET config_json=?, updated_at=? WHERE id=?`, payload, at, id)
	return affectedOne(res, err)
}

func configJSON(cfg *domain.ExperimentConfig) (any, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal experiment config: %w", err)
	}
	return string(b), nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
