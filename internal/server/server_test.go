package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owleval/internal/config"
	"owleval/internal/db"
	"owleval/internal/engine"
	"owleval/internal/logging"
	"owleval/internal/metrics"
	"owleval/internal/migrate"
	"owleval/internal/progress"
	"owleval/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	e.Log = logging.Discard()
	e.Metrics = metrics.New(nil)
	handler, err := New(Config{Engine: e, BasePath: "/api/v1", Auth: auth, Metrics: e.Metrics})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, []string{"admin"}, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/experiments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/experiments", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	wrong, err := SignToken("other-secret", "mallory", nil, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/experiments", nil, map[string]string{"Authorization": "Bearer " + wrong})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/me", nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "alice", who.ActorID)
	assert.Equal(t, []string{"admin"}, who.Roles)
}

func TestExpiredTokenRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	token, err := SignToken(testSecret, "alice", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/experiments", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSignTokenRequiresSecretAndSubject(t *testing.T) {
	_, err := SignToken("", "alice", nil, 0, time.Now())
	assert.Error(t, err)
	_, err = SignToken(testSecret, " ", nil, 0, time.Now())
	assert.Error(t, err)
}

func TestEvaluationFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	h := bearer(t, "operator")
	base := srv.URL + "/api/v1"

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/experiments", map[string]any{
		"slug":            "forest-walk",
		"name":            "Forest walk",
		"evaluation_mode": "comparison",
		"config":          map[string]any{"evaluationsPerComparison": 2, "dimensions": []string{"quality"}},
	}, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var exp ExperimentResponse
	require.NoError(t, json.Unmarshal(data, &exp))
	assert.Equal(t, "draft", string(exp.Status))
	assert.EqualValues(t, 2, exp.Config["evaluationsPerComparison"])

	res, data = doJSON(t, srv.Client(), http.MethodPut, base+"/experiments/forest-walk/tasks", map[string]any{
		"comparison_tasks": []map[string]any{
			{"id": "t1", "scenario_id": "forest", "model_a": "owl", "model_b": "dino", "video_a_path": "a1.mp4", "video_b_path": "b1.mp4"},
			{"id": "t2", "scenario_id": "beach", "model_a": "owl", "model_b": "dino", "video_a_path": "a2.mp4", "video_b_path": "b2.mp4"},
		},
	}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var counts TaskCountsResponse
	require.NoError(t, json.Unmarshal(data, &counts))
	assert.Equal(t, 2, counts.Comparison)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/forest-walk/status", map[string]any{"status": "active"}, h)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decodeError(t, data).Code)

	for _, status := range []string{"ready", "active"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/forest-walk/status", map[string]any{"status": status}, h)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/forest-walk/participants", map[string]any{"prolific_id": "PID1"}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var participant ParticipantResponse
	require.NoError(t, json.Unmarshal(data, &participant))
	assert.Equal(t, "PID1", participant.ProlificID)
	assert.Equal(t, "active", string(participant.Status))

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/forest-walk/participants", map[string]any{}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var anon ParticipantResponse
	require.NoError(t, json.Unmarshal(data, &anon))
	assert.True(t, strings.HasPrefix(anon.SessionID, progress.AnonymousSessionPrefix))

	for _, p := range []string{participant.ID, anon.ID} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/submissions", map[string]any{
			"participant_id": p,
			"task_id":        "t1",
			"winners":        map[string]string{"quality": "A"},
		}, h)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/submissions", map[string]any{
		"participant_id": participant.ID,
		"task_id":        "t2",
		"winners":        map[string]string{"quality": "C"},
	}, h)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/experiments/forest-walk/progress", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var summary progress.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.ActualEvaluations)
	assert.Equal(t, 4, summary.TargetEvaluations)
	assert.InDelta(t, 25.0, summary.ProgressPercentage, 0.001)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/experiments/forest-walk/progress?include_anonymous=true", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 2, summary.ActualEvaluations)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/experiments/forest-walk/participants?valid_only=true", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var listed []ParticipantResponse
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, participant.ID, listed[0].ID)
	require.NotNil(t, listed[0].Submissions)
	assert.Equal(t, 1, *listed[0].Submissions)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/progress", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dash engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &dash))
	require.Len(t, dash.Experiments, 1)
	assert.Equal(t, 1, dash.Aggregate.TotalEvaluations)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/participants/"+participant.ID+"/complete", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var done CompletionResponse
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, "completed", string(done.Participant.Status))
	assert.Empty(t, done.RedirectURL)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/events?experiment=forest-walk&limit=3", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 3)
	assert.Equal(t, "operator", page.Items[0].ActorID)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/events?experiment=forest-walk&limit=200&cursor="+page.NextCursor, nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(data, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Less(t, rest.Items[0].ID, page.Items[2].ID)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	h := bearer(t, "operator")
	base := srv.URL + "/api/v1"

	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/experiments/missing", nil, h)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments", map[string]any{
		"slug": "Bad Slug", "name": "x", "evaluation_mode": "comparison",
	}, h)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments", map[string]any{
		"slug": "s", "name": "x", "evaluation_mode": "nope",
	}, h)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments", map[string]any{
		"slug": "linked", "name": "Linked", "evaluation_mode": "single_video",
	}, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/experiments/linked/prolific/study", nil, h)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "prolific_unavailable", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/linked/archive", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/experiments/linked/status", map[string]any{"status": "ready"}, h)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "archived", decodeError(t, data).Code)
}

func TestScreeningEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	h := bearer(t, "operator")
	base := srv.URL + "/api/v1"

	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/screening", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var key ScreeningTasksResponse
	require.NoError(t, json.Unmarshal(data, &key))
	assert.NotEmpty(t, key.VideoTasks)
	assert.NotEmpty(t, key.ComparisonTasks)

	answers := map[string]any{}
	for _, task := range key.VideoTasks {
		answers[task.ID] = task.ExpectedRating[0]
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/screening/validate", map[string]any{
		"mode": "single_video", "answers": answers,
	}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var graded struct {
		Passed      bool     `json:"passed"`
		FailedTasks []string `json:"failed_tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &graded))
	assert.True(t, graded.Passed)
	assert.Empty(t, graded.FailedTasks)
}

func TestAnonymousAccessWhenAllowed(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/experiments", map[string]any{
		"slug": "open", "name": "Open", "evaluation_mode": "comparison",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	events, err := srv.Engine.ListEvents(context.Background(), repo.EventFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "anonymous", events[0].ActorID)
}

func TestOpenAPIDocsAndMetrics(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/v1/experiments/{ref}/progress")
	assert.Contains(t, paths, "/api/v1/experiments/{ref}/prolific/sync")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/api/v1/openapi.json")

	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "owleval_http_requests_total")
}

func TestAutoSyncWithoutLinkedExperiments(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	s := &AutoSyncer{Engine: srv.Engine, Interval: time.Minute, Log: logging.Discard()}
	s.SyncOnce(context.Background())
	assert.Equal(t, 1, s.Runs())

	assert.Nil(t, StartAutoSync(context.Background(), srv.Engine, 0, logging.Discard()))
}
