package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestJSONFormatterFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Output: &buf})
	log.WithField("study_id", "s1").Info("synced")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "synced", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "s1", line["study_id"])
	assert.Contains(t, line, "timestamp")
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf})
	h := Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "/api/v1/health", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
}
