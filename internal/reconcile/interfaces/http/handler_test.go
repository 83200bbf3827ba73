package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"powerverter-monitor/internal/reconcile/application"
	reconcile "powerverter-monitor/internal/reconcile/domain"
)

type stubRunner struct {
	run *reconcile.Run
	err error
}

func (s stubRunner) Run(context.Context, string) (*reconcile.Run, error) {
	return s.run, s.err
}

type stubRuns map[string]*reconcile.Run

func (s stubRuns) GetRun(_ context.Context, id string) (*reconcile.Run, error) {
	run, ok := s[id]
	if !ok {
		return nil, reconcile.ErrRunNotFound
	}
	return run, nil
}

func (s stubRuns) ListRuns(_ context.Context, limit int) ([]reconcile.Run, error) {
	out := make([]reconcile.Run, 0, len(s))
	for _, run := range s {
		if len(out) == limit {
			break
		}
		out = append(out, *run)
	}
	return out, nil
}

func sampleRun() *reconcile.Run {
	from := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	finished := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	run := &reconcile.Run{
		ID:         "run-1",
		Trigger:    reconcile.TriggerHTTP,
		Status:     reconcile.RunSucceeded,
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
	}
	run.Add(reconcile.Outcome{DeviceID: "dev-1", SystemID: "sys-1", Status: reconcile.OutcomeUpdated, Source: reconcile.SourceControl, From: &from, To: &to})
	run.Add(reconcile.Outcome{DeviceID: "dev-2", Status: reconcile.OutcomeSkipped, Reason: "no system id"})
	return run
}

func newTestRouter(t *testing.T, runner application.Runner) http.Handler {
	t.Helper()
	h, err := NewHandler(runner, stubRuns{"run-1": sampleRun()}, zerolog.Nop())
	require.NoError(t, err)
	return h.Routes()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestTriggerReturnsRun(t *testing.T) {
	rec := do(newTestRouter(t, stubRunner{run: sampleRun()}), http.MethodPost, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var run reconcile.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, 1, run.Updated)
	require.Equal(t, 1, run.Skipped)
}

func TestTriggerConflictWhileRunning(t *testing.T) {
	rec := do(newTestRouter(t, stubRunner{err: application.ErrRunInProgress}), http.MethodPost, "/runs")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerFailedRun(t *testing.T) {
	failed := sampleRun()
	failed.Status = reconcile.RunFailed
	rec := do(newTestRouter(t, stubRunner{run: failed, err: errors.New("list devices")}), http.MethodPost, "/runs")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestGetAndList(t *testing.T) {
	router := newTestRouter(t, stubRunner{})

	rec := do(router, http.MethodGet, "/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"run-1"`)

	require.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/runs/missing").Code)

	rec = do(router, http.MethodGet, "/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []reconcile.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/runs?limit=zero").Code)
}

func TestExportFormats(t *testing.T) {
	router := newTestRouter(t, stubRunner{})

	rec := do(router, http.MethodGet, "/runs/run-1/export.pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = do(router, http.MethodGet, "/runs/run-1/export.xlsx")
	require.Equal(t, http.StatusOK, rec.Code)
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	device, err := f.GetCellValue("outcomes", "A2")
	require.NoError(t, err)
	require.Equal(t, "dev-1", device)
	status, err := f.GetCellValue("summary", "B5")
	require.NoError(t, err)
	require.Equal(t, reconcile.RunSucceeded, status)

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/runs/run-1/export.csv").Code)
	require.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/runs/missing/export.pdf").Code)
}
