package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"powerverter-monitor/internal/audit"
	"powerverter-monitor/internal/auth"
	devices "powerverter-monitor/internal/devices/domain"
	"powerverter-monitor/internal/schedules/application"
	schedules "powerverter-monitor/internal/schedules/domain"
)

const maxBodyBytes = 64 << 10

// Service is the schedule use-case surface used by the handler.
type Service interface {
	Now() time.Time
	Schedule(ctx context.Context, deviceID string, req application.ScheduleRequest, actor string) (*application.View, error)
	Cancel(ctx context.Context, deviceID string) error
	Active(ctx context.Context, deviceID string) (*application.View, error)
	Send(ctx context.Context, deviceID, action string) (*application.CommandResult, error)
}

// OwnerGuard authorizes access to a device for the caller in ctx.
type OwnerGuard interface {
	EnsureDeviceOwner(ctx context.Context, deviceID string) error
}

// Handler serves device schedules and immediate load commands.
type Handler struct {
	service     Service
	guard       OwnerGuard
	auditLogger audit.Logger
	logger      zerolog.Logger
}

// NewHandler constructs a handler. guard and auditLogger may be nil.
func NewHandler(service Service, guard OwnerGuard, auditLogger audit.Logger, logger zerolog.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("schedules handler: nil service")
	}
	return &Handler{
		service:     service,
		guard:       guard,
		auditLogger: auditLogger,
		logger:      logger.With().Str("component", "schedules_http").Logger(),
	}, nil
}

// Routes mounts the per-device endpoints. The router expects a deviceID
// URL parameter from its mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/schedule", h.getSchedule)
	r.Post("/schedule", h.createSchedule)
	r.Delete("/schedule", h.cancelSchedule)
	r.Post("/commands", h.sendCommand)
	return r
}

// ServeTime reports the server clock schedules are computed against.
func (h *Handler) ServeTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	now := h.service.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"server_time": now,
		"unix_ms":     now.UnixMilli(),
		"presets":     schedules.Presets,
	})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	view, err := h.service.Active(r.Context(), deviceID)
	if err != nil {
		h.respondError(w, err, deviceID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req application.ScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.service.Schedule(r.Context(), deviceID, req, auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, deviceID)
		return
	}
	writeJSON(w, http.StatusCreated, view)

	h.logAudit(r, audit.ActionScheduleCreate, "schedule", view.ID, deviceID, map[string]any{
		"action":  view.Action,
		"minutes": req.Minutes,
		"due_at":  view.DueAt,
	})
}

func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), deviceID); err != nil {
		h.respondError(w, err, deviceID)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	h.logAudit(r, audit.ActionScheduleCancel, "schedule", deviceID, deviceID, nil)
}

type commandRequest struct {
	Action string `json:"action"`
}

func (h *Handler) sendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.service.Send(r.Context(), deviceID, req.Action)
	if err != nil {
		h.respondError(w, err, deviceID)
		return
	}
	writeJSON(w, http.StatusAccepted, result)

	h.logAudit(r, audit.ActionCommandSend, "device", deviceID, deviceID, map[string]any{
		"action":    result.Action,
		"system_id": result.SystemID,
	})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return "", false
	}
	if h.guard == nil {
		return deviceID, true
	}
	if err := h.guard.EnsureDeviceOwner(r.Context(), deviceID); err != nil {
		if errors.Is(err, auth.ErrNotOwner) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return "", false
		}
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("owner check failed")
		http.Error(w, "owner check failed", http.StatusInternalServerError)
		return "", false
	}
	return deviceID, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error, deviceID string) {
	switch {
	case errors.Is(err, schedules.ErrInvalidAction), errors.Is(err, schedules.ErrInvalidDelay):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, schedules.ErrNotFound):
		http.Error(w, "no active schedule", http.StatusNotFound)
	case errors.Is(err, devices.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	case errors.Is(err, application.ErrNoSystemID):
		http.Error(w, "device has no system id", http.StatusConflict)
	default:
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("schedule request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID, deviceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	entry := audit.FromRequest(r, action, resourceType, resourceID, deviceID).WithMetadata(meta)
	entry.Actor = auth.SubjectFromContext(r.Context())
	entry.Role = string(auth.RoleFromContext(r.Context()))
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("audit log failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
