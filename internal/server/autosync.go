package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"owleval/internal/engine"
)

const autoSyncActor = "auto-sync"

// AutoSyncer periodically pulls submissions for every active Prolific-linked experiment.
type AutoSyncer struct {
	Engine   engine.Engine
	Interval time.Duration
	Log      logrus.FieldLogger

	mu   sync.Mutex
	runs int
}

// StartAutoSync launches the loop when an interval is configured. The loop stops with ctx.
func StartAutoSync(ctx context.Context, e engine.Engine, interval time.Duration, log logrus.FieldLogger) *AutoSyncer {
	if interval <= 0 {
		return nil
	}
	s := &AutoSyncer{Engine: e, Interval: interval, Log: log}
	go s.Run(ctx)
	return s
}

func (s *AutoSyncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one pass. Failures are logged, never fatal.
func (s *AutoSyncer) SyncOnce(ctx context.Context) {
	reports, failures, err := s.Engine.SyncActive(ctx, autoSyncActor)
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		s.Log.WithError(err).Error("auto-sync: list experiments failed")
		return
	}
	for studyID, report := range reports {
		s.Log.WithFields(logrus.Fields{
			"study_id":    studyID,
			"submissions": len(report.Submissions),
			"synced":      report.SyncedParticipants,
			"completed":   report.ExperimentCompleted,
		}).Info("auto-sync: study synced")
	}
	if len(failures) > 0 {
		s.Log.WithField("failed", len(failures)).Warn("auto-sync: some studies failed")
	}
}

// Runs reports how many passes have finished.
func (s *AutoSyncer) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
