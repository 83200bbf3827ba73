package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"powerverter-monitor/internal/observability/metrics"
	telemetry "powerverter-monitor/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// Handler accepts raw inverter records posted by gateways and appends them
// to the pull store.
type Handler struct {
	repo   telemetry.RecordWriter
	now    func() time.Time
	logger zerolog.Logger
}

// NewHandler constructs an ingest handler.
func NewHandler(repo telemetry.RecordWriter, logger zerolog.Logger) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("telemetry ingest: nil repository")
	}
	return &Handler{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// ServeHTTP accepts a single record or a records batch for one system.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	started := time.Now()
	outcome := metrics.ResultSuccess
	defer func() { metrics.ObserveIngest(outcome, time.Since(started)) }()

	reject := func(reason string, status int, msg string) {
		outcome = metrics.ResultError
		metrics.IncIngestError(reason)
		http.Error(w, msg, status)
	}

	defer r.Body.Close()
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		reject("invalid_json", http.StatusBadRequest, "invalid json")
		return
	}
	records, err := req.toRecords(h.now())
	if err != nil {
		h.logger.Debug().Err(err).Str("system_id", req.SystemID).Msg("rejected ingest payload")
		reject("invalid_record", http.StatusBadRequest, err.Error())
		return
	}

	for i, rec := range records {
		if err := h.repo.InsertRecord(r.Context(), req.SystemID, rec.raw, rec.at); err != nil {
			h.logger.Error().Err(err).Str("system_id", req.SystemID).Int("stored", i).Msg("ingest insert failed")
			reject("insert", http.StatusInternalServerError, "insert error")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"inserted": len(records)})
}

type ingestRequest struct {
	SystemID string         `json:"systemId"`
	Data     string         `json:"data"`
	TS       int64          `json:"ts"`
	Records  []ingestRecord `json:"records"`
}

type ingestRecord struct {
	Data string `json:"data"`
	TS   int64  `json:"ts"`
}

type record struct {
	raw string
	at  time.Time
}

func (r ingestRequest) toRecords(now time.Time) ([]record, error) {
	if r.SystemID == "" {
		return nil, errors.New("missing systemId")
	}
	items := r.Records
	if len(items) == 0 && r.Data != "" {
		items = []ingestRecord{{Data: r.Data, TS: r.TS}}
	}
	if len(items) == 0 {
		return nil, errors.New("no records")
	}

	out := make([]record, 0, len(items))
	for _, item := range items {
		if _, err := telemetry.Parse(item.Data); err != nil {
			return nil, err
		}
		rec := record{raw: item.Data, at: now}
		if item.TS != 0 {
			var err error
			if rec.at, err = parseTimestamp(item.TS); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// parseTimestamp reads gateway timestamps, which arrive in either epoch
// seconds or epoch milliseconds.
func parseTimestamp(value int64) (time.Time, error) {
	const millisThreshold = 1_000_000_000_000
	switch {
	case value <= 0:
		return time.Time{}, fmt.Errorf("invalid ts %d", value)
	case value >= millisThreshold:
		return time.UnixMilli(value).UTC(), nil
	default:
		return time.Unix(value, 0).UTC(), nil
	}
}
