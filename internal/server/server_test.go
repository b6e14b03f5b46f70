package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/common"
)

func testServer(status StatusFunc) *Server {
	cfg := common.HealthConfig{Enabled: true, Host: "127.0.0.1", Port: 8787}
	return NewServer(cfg, status, common.NewSilentLogger())
}

func TestHealthzReportsPipelineState(t *testing.T) {
	ts := "2026-01-05T10:30:00+08:00"
	srv := testServer(func() Status {
		return Status{Status: "ok", LastTickTS: &ts, QueueSize: 42, Connected: true}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	require.NotNil(t, got.LastTickTS)
	assert.Equal(t, ts, *got.LastTickTS)
	assert.Equal(t, 42, got.QueueSize)
	assert.True(t, got.Connected)
}

func TestHealthzNullLastTickBeforeFirstTick(t *testing.T) {
	srv := testServer(func() Status {
		return Status{Status: "ok"}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_tick_ts":null`)
}

func TestHealthzRejectsOtherMethods(t *testing.T) {
	srv := testServer(func() Status { return Status{Status: "ok"} })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRecoveryMiddlewareCatchesPanic(t *testing.T) {
	handler := applyMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), common.NewSilentLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
