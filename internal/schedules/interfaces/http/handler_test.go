package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"powerverter-monitor/internal/audit"
	"powerverter-monitor/internal/auth"
	"powerverter-monitor/internal/schedules/application"
	schedules "powerverter-monitor/internal/schedules/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubService struct {
	active    *application.View
	err       error
	scheduled []application.ScheduleRequest
	sent      []string
	cancelled []string
}

func (s *stubService) Now() time.Time { return fixedNow }

func (s *stubService) Schedule(_ context.Context, deviceID string, req application.ScheduleRequest, _ string) (*application.View, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.scheduled = append(s.scheduled, req)
	return &application.View{
		ID:       "sched-1",
		DeviceID: deviceID,
		Action:   req.Action,
		DueAt:    fixedNow.Add(time.Duration(req.Minutes) * time.Minute),
		Status:   schedules.StatusPending,
		Active:   true,
	}, nil
}

func (s *stubService) Cancel(_ context.Context, deviceID string) error {
	if s.err != nil {
		return s.err
	}
	s.cancelled = append(s.cancelled, deviceID)
	return nil
}

func (s *stubService) Active(context.Context, string) (*application.View, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.active == nil {
		return nil, schedules.ErrNotFound
	}
	return s.active, nil
}

func (s *stubService) Send(_ context.Context, deviceID, action string) (*application.CommandResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, action)
	return &application.CommandResult{DeviceID: deviceID, SystemID: "sys-1", Action: action, SentAt: fixedNow}, nil
}

type stubGuard map[string]bool

func (g stubGuard) EnsureDeviceOwner(_ context.Context, deviceID string) error {
	if g[deviceID] {
		return nil
	}
	return auth.ErrNotOwner
}

type recordingAudit struct {
	entries []audit.Entry
}

func (a *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func newTestRouter(t *testing.T, svc *stubService, logger audit.Logger) chi.Router {
	t.Helper()
	h, err := NewHandler(svc, stubGuard{"dev-1": true}, logger, zerolog.Nop())
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Get("/api/v1/time", h.ServeTime)
	r.Mount("/api/v1/devices/{deviceID}", h.Routes())
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "user-1"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNewHandlerRequiresService(t *testing.T) {
	_, err := NewHandler(nil, nil, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestCreateScheduleAudits(t *testing.T) {
	svc := &stubService{}
	logger := &recordingAudit{}
	rec := do(newTestRouter(t, svc, logger), http.MethodPost, "/api/v1/devices/dev-1/schedule", `{"action":"power_off","minutes":30}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"sched-1"`)
	require.Equal(t, []application.ScheduleRequest{{Action: "power_off", Minutes: 30}}, svc.scheduled)
	require.Len(t, logger.entries, 1)
	require.Equal(t, "schedule.create", logger.entries[0].Action)
	require.Equal(t, "user-1", logger.entries[0].Actor)
	require.Equal(t, "dev-1", logger.entries[0].DeviceID)
}

func TestGetScheduleNotFound(t *testing.T) {
	rec := do(newTestRouter(t, &stubService{}, nil), http.MethodGet, "/api/v1/devices/dev-1/schedule", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetScheduleActive(t *testing.T) {
	svc := &stubService{active: &application.View{ID: "sched-9", Remaining: "00:10:00", Active: true}}
	rec := do(newTestRouter(t, svc, nil), http.MethodGet, "/api/v1/devices/dev-1/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"remaining":"00:10:00"`)
}

func TestCancelSchedule(t *testing.T) {
	svc := &stubService{}
	rec := do(newTestRouter(t, svc, nil), http.MethodDelete, "/api/v1/devices/dev-1/schedule", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"dev-1"}, svc.cancelled)
}

func TestSendCommand(t *testing.T) {
	svc := &stubService{}
	logger := &recordingAudit{}
	rec := do(newTestRouter(t, svc, logger), http.MethodPost, "/api/v1/devices/dev-1/commands", `{"action":"power_on"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"power_on"}, svc.sent)
	require.Len(t, logger.entries, 1)
	require.Equal(t, "command.send", logger.entries[0].Action)
}

func TestForeignDeviceForbidden(t *testing.T) {
	svc := &stubService{}
	rec := do(newTestRouter(t, svc, nil), http.MethodPost, "/api/v1/devices/dev-2/commands", `{"action":"power_on"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, svc.sent)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{schedules.ErrInvalidAction, http.StatusBadRequest},
		{schedules.ErrInvalidDelay, http.StatusBadRequest},
		{application.ErrNoSystemID, http.StatusConflict},
		{errors.New("broker down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(newTestRouter(t, &stubService{err: tc.err}, nil), http.MethodPost, "/api/v1/devices/dev-1/schedule", `{"action":"power_on","minutes":15}`)
		require.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestInvalidJSON(t *testing.T) {
	rec := do(newTestRouter(t, &stubService{}, nil), http.MethodPost, "/api/v1/devices/dev-1/schedule", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeTime(t *testing.T) {
	rec := do(newTestRouter(t, &stubService{}, nil), http.MethodGet, "/api/v1/time", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"server_time":"2026-03-01T12:00:00Z"`)
	require.Contains(t, rec.Body.String(), `"presets":[15,30,60,120]`)
}
