package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"powerverter-monitor/internal/observability/metrics"
	"powerverter-monitor/internal/reconcile/application"
	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*reconcile.Run, error)
	ListRuns(ctx context.Context, limit int) ([]reconcile.Run, error)
}

// Handler serves reconciliation runs.
type Handler struct {
	runner application.Runner
	runs   RunReader
	logger zerolog.Logger
}

// NewHandler constructs a handler.
func NewHandler(runner application.Runner, runs RunReader, logger zerolog.Logger) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("reconcile handler: nil runner")
	}
	if runs == nil {
		return nil, errors.New("reconcile handler: nil run reader")
	}
	return &Handler{runner: runner, runs: runs, logger: logger.With().Str("component", "reconcile_http").Logger()}, nil
}

// Routes mounts the run endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/runs", h.trigger)
	r.Get("/runs", h.list)
	r.Get("/runs/{id}", h.get)
	r.Get("/runs/{id}/export.{format}", h.export)
	return r
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Run(r.Context(), reconcile.TriggerHTTP)
	if errors.Is(err, application.ErrRunInProgress) {
		http.Error(w, "run in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("reconcile trigger failed")
		if run == nil {
			http.Error(w, "run failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusInternalServerError, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list runs failed")
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []reconcile.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	if format != "xlsx" && format != "pdf" {
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}
	run, ok := h.load(w, r)
	if !ok {
		return
	}

	start := time.Now()
	var (
		body        []byte
		err         error
		contentType string
	)
	switch format {
	case "xlsx":
		body, err = BuildRunXLSX(run)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		body, err = BuildRunPDF(run)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(start))
		h.logger.Error().Err(err).Str("run_id", run.ID).Str("format", format).Msg("export failed")
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(start))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"reconcile-"+run.ID+"."+format+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*reconcile.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, reconcile.ErrRunNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id).Msg("get run failed")
		http.Error(w, "query error", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
