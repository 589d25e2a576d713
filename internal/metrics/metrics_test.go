package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSync(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSync(time.Now(), nil)
	m.ObserveSync(time.Now(), errors.New("boom"))
	m.ObserveSync(time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSync(time.Now(), nil)
	m.ObserveParticipantSync("synced")
	m.ObserveReview("approve")
	m.SetProgress("exp", 10)
}

func TestHandlerExposesProgress(t *testing.T) {
	m := New(nil)
	m.SetProgress("owl-vs-dino", 42.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `owleval_experiment_progress_percent{experiment="owl-vs-dino"} 42.5`))
}

func TestMiddlewareCountsRequests(t *testing.T) {
	m := New(nil)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues("GET", "404")))
}
