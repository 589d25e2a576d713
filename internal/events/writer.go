package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ExperimentCreated       = "experiment.created"
	ExperimentStatusChanged = "experiment.status"
	ExperimentArchived      = "experiment.archived"
	ExperimentConfigured    = "experiment.configured"
	ExperimentCompleted     = "experiment.completed"
	TasksReplaced           = "tasks.replaced"
	ParticipantStarted      = "participant.started"
	ParticipantCompleted    = "participant.completed"
	ScreeningRecorded       = "screening.recorded"
	SubmissionRecorded      = "submission.recorded"
	ProlificStudyLinked     = "prolific.study_linked"
	ProlificSynced          = "prolific.synced"
	ProlificReviewed        = "prolific.reviewed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside tx, or directly on DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, experimentID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	const q = `INSERT INTO events(ts,type,experiment_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(experimentID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
