package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"owleval/internal/config"
	"owleval/internal/domain"
	"owleval/internal/events"
	"owleval/internal/metrics"
	"owleval/internal/prolific"
	"owleval/internal/repo"
	"owleval/internal/screening"
)

var (
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrArchived              = errors.New("experiment is archived")
	ErrNotAcceptingSessions  = errors.New("experiment is not accepting participants")
	ErrParticipantInactive   = errors.New("participant can no longer submit")
	ErrProlificNotConfigured = errors.New("prolific client not configured; set the API token")
	ErrNotLinked             = errors.New("experiment is not linked to a prolific study")
	ErrAlreadyLinked         = errors.New("experiment is already linked to a prolific study")
)

// ProlificAPI is the Prolific surface the engine drives.
type ProlificAPI interface {
	prolific.API
	CreateStudy(ctx context.Context, req prolific.CreateStudyRequest) (prolific.Study, error)
	TransitionStudy(ctx context.Context, studyID string, action prolific.StudyAction) (prolific.Study, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Prolific ProlificAPI
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    logrus.StandardLogger(),
		Now:    time.Now,
	}
}

var validate = validator.New()

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// Screening returns a validator over the configured screening tasks.
func (e Engine) Screening() *screening.Validator {
	return screening.New(e.config().Screening)
}

// ListEvents returns audit events newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// EventsAfter returns events past cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, limit int, cursor int64, experimentID string) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor, experimentID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
