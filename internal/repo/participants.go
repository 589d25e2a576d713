package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"owleval/internal/domain"
)

const participantColumns = `id,experiment_id,prolific_id,session_id,status,metadata_json,demographics_json,demographics_source,created_at,updated_at`

// Demographics live in their own columns so the sync upsert can keep genuine data in SQL.
func scanParticipant(row scanner) (domain.Participant, error) {
	var (
		p                                 domain.Participant
		prolificID, session, demo, source sql.NullString
		meta                              string
	)
	err := row.Scan(&p.ID, &p.ExperimentID, &prolificID, &session, &p.Status, &meta, &demo, &source, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ProlificID = stringPtr(prolificID)
	p.SessionID = session.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return p, fmt.Errorf("participant %s metadata: %w", p.ID, err)
		}
	}
	if demo.Valid {
		var d domain.Demographics
		if err := json.Unmarshal([]byte(demo.String), &d); err != nil {
			return p, fmt.Errorf("participant %s demographics: %w", p.ID, err)
		}
		p.Metadata.Demographics = &d
	}
	p.Metadata.DemographicsSource = domain.DemographicsSource(source.String)
	return p, nil
}

// splitMetadata separates the demographics columns from the rest of the metadata document.
func splitMetadata(m domain.ParticipantMetadata) (meta string, demo, source any, err error) {
	if m.Demographics != nil {
		b, err := json.Marshal(m.Demographics)
		if err != nil {
			return "", nil, nil, err
		}
		demo = string(b)
	}
	source = nullable(string(m.DemographicsSource))
	m.Demographics = nil
	m.DemographicsSource = ""
	b, err := json.Marshal(m)
	if err != nil {
		return "", nil, nil, err
	}
	return string(b), demo, source, nil
}

func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	meta, demo, source, err := splitMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO participants(`+participantColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ExperimentID, nullableStringPtr(p.ProlificID), nullable(p.SessionID), p.Status, meta, demo, source, p.CreatedAt, p.UpdatedAt)
	return err
}

// ErrParticipantInOtherExperiment is returned when a prolific id is already stored under a
// different experiment. The stored row is left untouched.
var ErrParticipantInOtherExperiment = errors.New("participant belongs to another experiment")

// UpsertProlificParticipant inserts or updates a participant keyed by prolific id in a single
// statement. Submission and payment are replaced whole; other metadata keys (e.g. screening) are
// kept, and placeholder demographics never replace demographics fetched from Prolific.
func (r Repo) UpsertProlificParticipant(ctx context.Context, p domain.Participant) error {
	if p.ProlificIDValue() == "" {
		return fmt.Errorf("upsert participant: prolific id required")
	}
	meta, demo, source, err := splitMetadata(p.Metadata)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO participants(`+participantColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(prolific_id) DO UPDATE SET
  status=excluded.status,
  metadata_json=json_patch(json_remove(participants.metadata_json,'$.submission','$.payment'), excluded.metadata_json),
  demographics_json=CASE WHEN excluded.demographics_source='placeholder' AND participants.demographics_source IN ('submission','profile')
    THEN participants.demographics_json ELSE excluded.demographics_json END,
  demographics_source=CASE WHEN excluded.demographics_source='placeholder' AND participants.demographics_source IN ('submission','profile')
    THEN participants.demographics_source ELSE excluded.demographics_source END,
  updated_at=excluded.updated_at
WHERE participants.experiment_id=excluded.experiment_id`,
		p.ID, p.ExperimentID, nullableStringPtr(p.ProlificID), nullable(p.SessionID), p.Status, meta, demo, source, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantInOtherExperiment, p.ProlificIDValue())
	}
	return nil
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=?`, id))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=?`, id))
}

func (r Repo) GetParticipantByProlificID(ctx context.Context, prolificID string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE prolific_id=?`, prolificID))
}

func (r Repo) GetParticipantBySession(ctx context.Context, sessionID string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id=?`, sessionID))
}

func (r Repo) ListParticipants(ctx context.Context, experimentID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE experiment_id=? ORDER BY created_at, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateParticipantStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ParticipantStatus, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE participants SET status=?, updated_at=? WHERE id=?`, status, at, id)
	return affectedOne(res, err)
}

// SetParticipantScreening stores the screening record inside the metadata document.
func (r Repo) SetParticipantScreening(ctx context.Context, tx *sql.Tx, id string, rec domain.ScreeningRecord, at string) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE participants SET metadata_json=json_set(metadata_json,'$.screening',json(?)), updated_at=? WHERE id=?`,
		string(b), at, id)
	return affectedOne(res, err)
}
