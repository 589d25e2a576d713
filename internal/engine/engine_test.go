package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owleval/internal/config"
	"owleval/internal/db"
	"owleval/internal/domain"
	"owleval/internal/engine"
	"owleval/internal/events"
	"owleval/internal/logging"
	"owleval/internal/metrics"
	"owleval/internal/migrate"
	"owleval/internal/progress"
	"owleval/internal/prolific"
	"owleval/internal/repo"
)

type fakeProlific struct {
	mu          sync.Mutex
	study       prolific.Study
	submissions []prolific.Submission
	created     []prolific.CreateStudyRequest
	reviewed    map[string]prolific.SubmissionAction
}

func (f *fakeProlific) GetStudy(ctx context.Context, studyID string) (prolific.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if studyID != f.study.ID {
		return prolific.Study{}, &prolific.APIError{StatusCode: 404, Body: "not found"}
	}
	return f.study, nil
}

func (f *fakeProlific) ListSubmissions(ctx context.Context, studyID string) ([]prolific.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prolific.Submission(nil), f.submissions...), nil
}

func (f *fakeProlific) GetParticipant(ctx context.Context, participantID string) (prolific.ParticipantInfo, error) {
	return prolific.ParticipantInfo{}, &prolific.APIError{StatusCode: 403, Body: "forbidden"}
}

func (f *fakeProlific) TransitionSubmission(ctx context.Context, submissionID string, action prolific.SubmissionAction, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reviewed == nil {
		f.reviewed = map[string]prolific.SubmissionAction{}
	}
	f.reviewed[submissionID] = action
	return nil
}

func (f *fakeProlific) CreateStudy(ctx context.Context, req prolific.CreateStudyRequest) (prolific.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.study = prolific.Study{ID: "study-new", Name: req.Name, Status: prolific.StudyUnpublished, Reward: req.Reward, CompletionCode: req.CompletionCode}
	return f.study, nil
}

func (f *fakeProlific) TransitionStudy(ctx context.Context, studyID string, action prolific.StudyAction) (prolific.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch action {
	case prolific.ActionPublish, prolific.ActionStart:
		f.study.Status = prolific.StudyActive
	case prolific.ActionPause:
		f.study.Status = prolific.StudyPaused
	case prolific.ActionStop:
		f.study.Status = prolific.StudyCompleted
	}
	return f.study, nil
}

type testEnv struct {
	Engine   engine.Engine
	Prolific *fakeProlific
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	fake := &fakeProlific{}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	eng.Log = logging.Discard()
	eng.Metrics = metrics.New(nil)
	eng.Prolific = fake
	return testEnv{Engine: eng, Prolific: fake, Ctx: context.Background()}
}

// activeExperiment creates an experiment with two tasks and moves it to active.
func activeExperiment(t *testing.T, env testEnv, slug string, mode domain.EvaluationMode, cfg string) domain.Experiment {
	t.Helper()
	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{
		Slug: slug, Name: "Experiment " + slug, Mode: mode, Config: []byte(cfg), ActorID: "tester",
	})
	require.NoError(t, err)
	var m engine.TaskManifest
	if mode == domain.ModeComparison {
		m.ComparisonTasks = []domain.ComparisonTask{
			{ID: slug + "-t1", ScenarioID: "forest", ModelA: "owl", ModelB: "dino", VideoAPath: "a1.mp4", VideoBPath: "b1.mp4"},
			{ID: slug + "-t2", ScenarioID: "beach", ModelA: "owl", ModelB: "dino", VideoAPath: "a2.mp4", VideoBPath: "b2.mp4"},
		}
	} else {
		m.SingleVideoTasks = []domain.SingleVideoTask{
			{ID: slug + "-t1", ScenarioID: "forest", ModelName: "owl", VideoPath: "v1.mp4"},
			{ID: slug + "-t2", ScenarioID: "beach", ModelName: "owl", VideoPath: "v2.mp4"},
		}
	}
	_, err = env.Engine.ReplaceTasks(env.Ctx, exp.ID, m, "tester")
	require.NoError(t, err)
	_, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, domain.ExperimentReady, "tester")
	require.NoError(t, err)
	exp, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, domain.ExperimentActive, "tester")
	require.NoError(t, err)
	return exp
}

func submitComparison(t *testing.T, env testEnv, participantID, taskID string) {
	t.Helper()
	_, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{
		ParticipantID: participantID, TaskID: taskID, Winners: map[string]string{"overall_quality": "A"},
	})
	require.NoError(t, err)
}

func TestCreateExperimentValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{Slug: "x", Name: "X", Mode: "triple"})
	assert.Error(t, err)
	_, err = env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{Slug: "Bad Slug", Name: "X", Mode: domain.ModeComparison})
	assert.Error(t, err)
	_, err = env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{Slug: "x", Name: "X", Mode: domain.ModeComparison, Config: []byte(`[1]`)})
	assert.Error(t, err)

	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{
		Slug: "owl-v1", Name: "Owl v1", Mode: domain.ModeComparison, Config: []byte(`{"evaluationsPerComparison":5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentDraft, exp.Status)

	bySlug, err := env.Engine.GetExperiment(env.Ctx, "owl-v1")
	require.NoError(t, err)
	assert.Equal(t, exp.ID, bySlug.ID)
	assert.Equal(t, 5, progress.ResolveEvaluationsPerComparison(bySlug.Config))

	_, err = env.Engine.GetExperiment(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExperimentTransitions(t *testing.T) {
	env := newTestEnv(t)
	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{Slug: "flow", Name: "Flow", Mode: domain.ModeSingleVideo})
	require.NoError(t, err)

	_, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, domain.ExperimentActive, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	for _, to := range []domain.ExperimentStatus{domain.ExperimentReady, domain.ExperimentActive, domain.ExperimentPaused, domain.ExperimentCompleted} {
		exp, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, to, "tester")
		require.NoError(t, err)
		assert.Equal(t, to, exp.Status)
	}
	require.NotNil(t, exp.CompletedAt)

	_, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, domain.ExperimentActive, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ExperimentID: exp.ID, Type: events.ExperimentStatusChanged})
	require.NoError(t, err)
	assert.Len(t, evts, 4)
}

func TestArchivedExperimentIsFrozen(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "arch", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	archived, err := env.Engine.ArchiveExperiment(env.Ctx, exp.Slug, "tester")
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = env.Engine.TransitionExperiment(env.Ctx, exp.ID, domain.ExperimentPaused, "tester")
	assert.ErrorIs(t, err, engine.ErrArchived)
	_, err = env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID})
	assert.ErrorIs(t, err, engine.ErrArchived)

	list, err := env.Engine.ListExperiments(env.Ctx, repo.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReplaceTasksRules(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "tasks", domain.ModeComparison, `{"evaluationsPerComparison":2}`)

	_, err := env.Engine.ReplaceTasks(env.Ctx, exp.ID, engine.TaskManifest{
		SingleVideoTasks: []domain.SingleVideoTask{{ScenarioID: "s", ModelName: "m", VideoPath: "v.mp4"}},
	}, "tester")
	assert.Error(t, err)

	_, err = env.Engine.ReplaceTasks(env.Ctx, exp.ID, engine.TaskManifest{
		ComparisonTasks: []domain.ComparisonTask{{ScenarioID: "s", ModelA: "a"}},
	}, "tester")
	assert.Error(t, err, "missing required fields")

	manifest, err := engine.ParseTaskManifest([]byte(`comparison_tasks:
  - scenario_id: cave
    model_a: owl
    model_b: dino
    video_a_path: a.mp4
    video_b_path: b.mp4
`))
	require.NoError(t, err)
	counts, err := env.Engine.ReplaceTasks(env.Ctx, exp.ID, manifest, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Comparison)

	tasks, err := env.Engine.Repo.ListComparisonTasks(env.Ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID1"})
	require.NoError(t, err)
	submitComparison(t, env, p.ID, tasks[0].ID)

	_, err = env.Engine.ReplaceTasks(env.Ctx, exp.ID, manifest, "tester")
	assert.ErrorIs(t, err, repo.ErrTasksInUse)
}

func TestStartSession(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{Slug: "draft", Name: "D", Mode: domain.ModeComparison})
	require.NoError(t, err)
	_, err = env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: draft.ID})
	assert.ErrorIs(t, err, engine.ErrNotAcceptingSessions)

	exp := activeExperiment(t, env, "live", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	anon, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.Slug})
	require.NoError(t, err)
	assert.Nil(t, anon.ProlificID)
	assert.True(t, progress.IsAnonymous(anon))

	first, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID7", SessionID: "sess-1"})
	require.NoError(t, err)
	again, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID7", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other := activeExperiment(t, env, "other", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	_, err = env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: other.ID, ProlificID: "PID7"})
	assert.Error(t, err)
}

func TestRecordSubmissionChecksTaskAndScores(t *testing.T) {
	env := newTestEnv(t)
	cmp := activeExperiment(t, env, "cmp", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	single := activeExperiment(t, env, "single", domain.ModeSingleVideo, `{"evaluationsPerComparison":1}`)
	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: cmp.ID, ProlificID: "PID1"})
	require.NoError(t, err)

	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: p.ID, TaskID: single.Slug + "-t1", Ratings: map[string]int{"q": 3}})
	assert.Error(t, err, "task from another experiment")
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: p.ID, TaskID: "cmp-t1", Winners: map[string]string{"q": "C"}})
	assert.Error(t, err, "winner outside A/B/Equal")
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: p.ID, TaskID: "cmp-t1"})
	assert.Error(t, err, "no scores")

	rec, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: p.ID, TaskID: "cmp-t1", Winners: map[string]string{"q": "Equal"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeComparison, rec.Mode)
	assert.Equal(t, domain.SubmissionCompleted, rec.Status)

	sp, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: single.ID, ProlificID: "PID2"})
	require.NoError(t, err)
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: sp.ID, TaskID: "single-t1", Ratings: map[string]int{"q": 6}})
	assert.Error(t, err)
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: sp.ID, TaskID: "single-t1", Ratings: map[string]int{"q": 5}})
	assert.NoError(t, err)
}

func TestProgressCountsOnlyValidParticipants(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "prog", domain.ModeComparison, `{"evaluationsPerComparison":3}`)

	identified, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID1"})
	require.NoError(t, err)
	anon, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID})
	require.NoError(t, err)
	submitComparison(t, env, identified.ID, "prog-t1")
	submitComparison(t, env, identified.ID, "prog-t2")
	submitComparison(t, env, anon.ID, "prog-t1")
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{
		ParticipantID: identified.ID, TaskID: "prog-t1", Winners: map[string]string{"q": "B"}, Draft: true,
	})
	require.NoError(t, err)

	summary, err := env.Engine.ExperimentProgress(env.Ctx, exp.Slug, progress.FilterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.TargetEvaluations)
	assert.Equal(t, 2, summary.ActualEvaluations)
	assert.InDelta(t, 33.333, summary.ProgressPercentage, 0.01)

	withAnon, err := env.Engine.ExperimentProgress(env.Ctx, exp.Slug, progress.FilterOptions{IncludeAnonymous: true})
	require.NoError(t, err)
	assert.Equal(t, 3, withAnon.ActualEvaluations)

	rows, err := env.Engine.ListParticipants(env.Ctx, exp.ID, progress.FilterOptions{}, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Submissions)
}

func TestDashboardSurfacesMissingConfig(t *testing.T) {
	env := newTestEnv(t)
	good := activeExperiment(t, env, "good", domain.ModeComparison, `{"evaluationsPerComparison":2}`)
	activeExperiment(t, env, "broken", domain.ModeComparison, `{}`)
	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: good.ID, ProlificID: "PID1"})
	require.NoError(t, err)
	submitComparison(t, env, p.ID, "good-t1")

	dash, err := env.Engine.DashboardProgress(env.Ctx, repo.ExperimentFilter{}, progress.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, dash.Experiments, 2)
	bySlug := map[string]progress.Summary{}
	for _, s := range dash.Experiments {
		bySlug[s.Slug] = s
	}
	assert.Equal(t, -2, bySlug["broken"].TargetEvaluations)
	assert.True(t, bySlug["broken"].Misconfigured)
	assert.Equal(t, 4, bySlug["good"].TargetEvaluations)
	assert.Equal(t, 1, dash.Aggregate.TotalEvaluations)
	assert.Equal(t, 2, dash.Aggregate.TotalTargetEvaluations)
	assert.InDelta(t, 50, dash.Aggregate.ProgressPercentage, 0.001)

	issues, err := env.Engine.ValidateExperiment(env.Ctx, "broken")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "config.evaluationsPerComparison", issues[0].Field)
}

func TestRecordScreening(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "scr", domain.ModeSingleVideo, `{"evaluationsPerComparison":1}`)
	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID1"})
	require.NoError(t, err)

	res, err := env.Engine.RecordScreening(env.Ctx, p.ID, domain.ModeSingleVideo, map[string]any{"frozen-frame": 5, "smooth-walk": 1}, "tester")
	require.NoError(t, err)
	assert.False(t, res.Passed)

	stored, err := env.Engine.Repo.GetParticipant(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantScreenedOut, stored.Status)
	require.NotNil(t, stored.Metadata.Screening)
	assert.Equal(t, "1", stored.Metadata.Screening.Version)

	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{ParticipantID: p.ID, TaskID: "scr-t1", Ratings: map[string]int{"q": 3}})
	assert.ErrorIs(t, err, engine.ErrParticipantInactive)

	q, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID2"})
	require.NoError(t, err)
	res, err = env.Engine.RecordScreening(env.Ctx, q.ID, domain.ModeSingleVideo, map[string]any{"frozen-frame": 2, "smooth-walk": 4, "glitch-burst": 3}, "tester")
	require.NoError(t, err)
	assert.True(t, res.Passed)
	stored, err = env.Engine.Repo.GetParticipant(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantActive, stored.Status)
}

func TestCompleteSession(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "done", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID1"})
	require.NoError(t, err)
	c, err := env.Engine.CompleteSession(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantCompleted, c.Participant.Status)
	assert.Empty(t, c.RedirectURL)

	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyActive, CompletionCode: "ABCD1234"}
	linked := activeExperiment(t, env, "linked", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	_, err = env.Engine.LinkProlificStudy(env.Ctx, linked.ID, "study-1", "tester")
	require.NoError(t, err)
	lp, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: linked.ID, ProlificID: "PID9", StudyID: "study-1"})
	require.NoError(t, err)
	c, err = env.Engine.CompleteSession(env.Ctx, lp.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantActive, c.Participant.Status)
	assert.Equal(t, "ABCD1234", c.CompletionCode)
	assert.Equal(t, engine.ProlificCompletionURL+"?cc=ABCD1234", c.RedirectURL)
}

func TestCreateStudyLinksExperiment(t *testing.T) {
	env := newTestEnv(t)
	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentCreateOptions{
		Slug: "recruit", Name: "Recruit", Description: "Rate videos", Mode: domain.ModeComparison,
	})
	require.NoError(t, err)

	study, linked, err := env.Engine.CreateStudy(env.Ctx, engine.CreateStudyOptions{Experiment: exp.Slug, Participants: 40, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "study-new", study.ID)
	require.NotNil(t, linked.ProlificStudyID)
	assert.Equal(t, "study-new", *linked.ProlificStudyID)
	assert.Equal(t, domain.ExperimentReady, linked.Status)
	require.NotNil(t, linked.CompletionCode)
	assert.Len(t, *linked.CompletionCode, 8)

	require.Len(t, env.Prolific.created, 1)
	req := env.Prolific.created[0]
	assert.Equal(t, 250, req.Reward)
	assert.Equal(t, 40, req.TotalAvailablePlaces)
	assert.Equal(t, 10, req.EstimatedCompletionTime)
	assert.Contains(t, req.ExternalStudyURL, "experiment=recruit")

	_, _, err = env.Engine.CreateStudy(env.Ctx, engine.CreateStudyOptions{Experiment: exp.Slug})
	assert.ErrorIs(t, err, engine.ErrAlreadyLinked)

	_, linked, err = env.Engine.TransitionStudy(env.Ctx, exp.Slug, prolific.ActionPublish, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentActive, linked.Status)
	_, linked, err = env.Engine.TransitionStudy(env.Ctx, exp.Slug, prolific.ActionPause, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentPaused, linked.Status)
}

func TestProlificRequiresClient(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Prolific = nil
	_, err := env.Engine.SyncStudy(env.Ctx, "study-1", "tester")
	assert.ErrorIs(t, err, engine.ErrProlificNotConfigured)
}

func TestSyncStudyCompletesExperimentAndCountsApproved(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "sync", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyActive, Reward: 300, CompletionCode: "CODE1234"}
	_, err := env.Engine.LinkProlificStudy(env.Ctx, exp.ID, "study-1", "tester")
	require.NoError(t, err)

	a, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PA"})
	require.NoError(t, err)
	b, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PB"})
	require.NoError(t, err)
	submitComparison(t, env, a.ID, "sync-t1")
	submitComparison(t, env, b.ID, "sync-t2")

	summary, err := env.Engine.ExperimentProgress(env.Ctx, exp.ID, progress.FilterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ActualEvaluations, "nobody approved yet")

	env.Prolific.submissions = []prolific.Submission{
		{ID: "s1", ParticipantID: "PA", Status: prolific.SubmissionApproved, BonusPayments: []int{50}},
		{ID: "s2", ParticipantID: "PB", Status: prolific.SubmissionReturned},
		{ID: "s3", Status: prolific.SubmissionActive},
	}
	env.Prolific.study.Status = prolific.StudyCompleted
	report, err := env.Engine.SyncStudy(env.Ctx, "study-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, report.SyncedParticipants)
	assert.True(t, report.ExperimentCompleted)

	pa, err := env.Engine.Repo.GetParticipantByProlificID(env.Ctx, "PA")
	require.NoError(t, err)
	assert.Equal(t, a.ID, pa.ID)
	assert.Equal(t, domain.ParticipantApproved, pa.Status)
	require.NotNil(t, pa.Metadata.Payment)
	assert.Equal(t, 350, pa.Metadata.Payment.Total)
	assert.Equal(t, domain.DemographicsFromPlaceholder, pa.Metadata.DemographicsSource)

	summary, err = env.Engine.ExperimentProgress(env.Ctx, exp.ID, progress.FilterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ActualEvaluations)
	assert.Equal(t, domain.ExperimentCompleted, summary.Status)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ExperimentID: exp.ID, Type: events.ExperimentCompleted})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	report, err = env.Engine.SyncStudy(env.Ctx, "study-1", "tester")
	require.NoError(t, err)
	assert.False(t, report.ExperimentCompleted)
}

func TestSyncActiveReportsFailuresPerStudy(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "auto", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyActive}
	_, err := env.Engine.LinkProlificStudy(env.Ctx, exp.ID, "study-1", "tester")
	require.NoError(t, err)

	reports, failures, err := env.Engine.SyncActive(env.Ctx, "autosync")
	require.NoError(t, err)
	assert.Contains(t, reports, "study-1")
	assert.Empty(t, failures)

	env.Prolific.study.ID = "study-moved"
	reports, failures, err = env.Engine.SyncActive(env.Ctx, "autosync")
	require.NoError(t, err)
	assert.Empty(t, reports)
	var apiErr *prolific.APIError
	require.True(t, errors.As(failures["study-1"], &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestReviewStudyUsesQualityScores(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Prolific.Review.MinSubmissions = 2
	exp := activeExperiment(t, env, "rev", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyAwaitingReview}
	_, err := env.Engine.LinkProlificStudy(env.Ctx, exp.ID, "study-1", "tester")
	require.NoError(t, err)

	worker, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "GOOD"})
	require.NoError(t, err)
	submitTimed(t, env, worker.ID, "rev-t1", "A", 60)
	submitTimed(t, env, worker.ID, "rev-t2", "B", 45)
	idle, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "IDLE"})
	require.NoError(t, err)
	submitComparison(t, env, idle.ID, "rev-t1")

	scores, err := env.Engine.QualityScores(env.Ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores["GOOD"])
	assert.Equal(t, 0.5, scores["IDLE"])

	env.Prolific.submissions = []prolific.Submission{
		{ID: "s-good", ParticipantID: "GOOD", Status: prolific.SubmissionAwaitingReview},
		{ID: "s-idle", ParticipantID: "IDLE", Status: prolific.SubmissionAwaitingReview},
		{ID: "s-stranger", ParticipantID: "NOBODY", Status: prolific.SubmissionAwaitingReview},
	}
	dry, err := env.Engine.ReviewStudy(env.Ctx, exp.Slug, true, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Approved)
	assert.Empty(t, env.Prolific.reviewed)

	report, err := env.Engine.ReviewStudy(env.Ctx, exp.Slug, false, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Approved)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, prolific.ActionApprove, env.Prolific.reviewed["s-good"])
	assert.Equal(t, prolific.ActionReject, env.Prolific.reviewed["s-idle"])
}

func submitTimed(t *testing.T, env testEnv, participantID, taskID, winner string, seconds int) {
	t.Helper()
	_, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{
		ParticipantID: participantID, TaskID: taskID, Winners: map[string]string{"overall_quality": winner},
		CompletionTimeSeconds: &seconds,
	})
	require.NoError(t, err)
}

func TestReviewRejectsFastOrUniformResponses(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Prolific.Review.MinSubmissions = 2
	exp := activeExperiment(t, env, "qual", domain.ModeComparison, `{"evaluationsPerComparison":3}`)
	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyAwaitingReview}
	_, err := env.Engine.LinkProlificStudy(env.Ctx, exp.ID, "study-1", "tester")
	require.NoError(t, err)

	answers := map[string][2]string{"CAREFUL": {"A", "B"}, "RUSHED": {"A", "B"}, "CLICKER": {"A", "A"}}
	seconds := map[string]int{"CAREFUL": 60, "RUSHED": 5, "CLICKER": 60}
	for _, pid := range []string{"CAREFUL", "RUSHED", "CLICKER"} {
		p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: pid})
		require.NoError(t, err)
		submitTimed(t, env, p.ID, "qual-t1", answers[pid][0], seconds[pid])
		submitTimed(t, env, p.ID, "qual-t2", answers[pid][1], seconds[pid])
	}

	scores, err := env.Engine.QualityScores(env.Ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores["CAREFUL"])
	assert.Equal(t, 0.5, scores["RUSHED"])
	assert.Equal(t, 0.5, scores["CLICKER"])

	env.Prolific.submissions = []prolific.Submission{
		{ID: "s-careful", ParticipantID: "CAREFUL", Status: prolific.SubmissionAwaitingReview},
		{ID: "s-rushed", ParticipantID: "RUSHED", Status: prolific.SubmissionAwaitingReview},
		{ID: "s-clicker", ParticipantID: "CLICKER", Status: prolific.SubmissionAwaitingReview},
	}
	report, err := env.Engine.ReviewStudy(env.Ctx, exp.Slug, false, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Approved)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, prolific.ActionApprove, env.Prolific.reviewed["s-careful"])
	assert.Equal(t, prolific.ActionReject, env.Prolific.reviewed["s-rushed"])
	assert.Equal(t, prolific.ActionReject, env.Prolific.reviewed["s-clicker"])
}

func TestExportStudy(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "exp", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	env.Prolific.study = prolific.Study{ID: "study-1", Status: prolific.StudyActive}
	_, err := env.Engine.LinkProlificStudy(env.Ctx, exp.ID, "study-1", "tester")
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = env.Engine.ExportStudy(env.Ctx, exp.Slug, &buf)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "2024-05-01T10:00:00Z", doc["exported_at"])
}

func TestExportExperiment(t *testing.T) {
	env := newTestEnv(t)
	exp := activeExperiment(t, env, "dump", domain.ModeComparison, `{"evaluationsPerComparison":1}`)
	p, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{Experiment: exp.ID, ProlificID: "PID1"})
	require.NoError(t, err)
	submitTimed(t, env, p.ID, "dump-t1", "A", 40)
	_, err = env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{
		ParticipantID: p.ID, TaskID: "dump-t2", Winners: map[string]string{"overall_quality": "B", "motion": "Equal"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	x, err := env.Engine.ExportExperiment(env.Ctx, exp.Slug, engine.ExportJSON, &buf)
	require.NoError(t, err)
	assert.Equal(t, engine.ExportTotals{ComparisonTasks: 2, ComparisonSubmissions: 2, Participants: 1}, x.TotalRecords)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "2024-05-01T10:00:00Z", doc["exported_at"])
	assert.Len(t, doc["comparison_submissions"], 2)
	assert.Empty(t, doc["single_video_tasks"])

	buf.Reset()
	_, err = env.Engine.ExportExperiment(env.Ctx, exp.ID, engine.ExportCSV, &buf)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "submission_id,mode,task_id,participant_id,prolific_id,participant_status,submission_status,dimension,answer,completion_time_seconds,created_at", lines[0])
	csvText := buf.String()
	assert.Contains(t, csvText, ",comparison,dump-t1,"+p.ID+",PID1,active,completed,overall_quality,A,40,")
	assert.Contains(t, csvText, ",comparison,dump-t2,"+p.ID+",PID1,active,completed,motion,Equal,,")
	assert.Contains(t, csvText, ",comparison,dump-t2,"+p.ID+",PID1,active,completed,overall_quality,B,,")

	_, err = env.Engine.ExportExperiment(env.Ctx, exp.ID, "xml", &buf)
	assert.Error(t, err)
}
