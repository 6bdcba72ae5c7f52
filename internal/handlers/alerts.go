package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"hermes/internal/codec"
	"hermes/internal/logger"
	"hermes/internal/middleware"
	"hermes/internal/state"
	"hermes/internal/storage"
)

// maxQueryLimit caps ?limit= on the read endpoints.
const maxQueryLimit = 1000

// AlertsHandler serves recent alerts from the cache, and alert and reading
// history from storage. Either backend may be nil, in which case its
// endpoints answer 503.
type AlertsHandler struct {
	cache state.AlertCache
	store storage.Store
	api   jsoniter.API
}

// NewAlertsHandler creates a handler over the optional backends.
func NewAlertsHandler(cache state.AlertCache, store storage.Store, api jsoniter.API) *AlertsHandler {
	if api == nil {
		api = codec.New()
	}
	return &AlertsHandler{cache: cache, store: store, api: api}
}

// RecentResponse is the body of GET /v1/alerts/recent.
type RecentResponse struct {
	Alerts []state.RecentAlert `json:"alerts"`
}

// HistoryResponse is the body of GET /v1/alerts/history.
type HistoryResponse struct {
	DeviceID string                `json:"device_id,omitempty"`
	Alerts   []storage.AlertRecord `json:"alerts"`
}

// ReadingsResponse is the body of GET /v1/devices/{id}/readings.
type ReadingsResponse struct {
	DeviceID string            `json:"device_id"`
	Readings []storage.Reading `json:"readings"`
}

// CountsResponse is the body of GET /v1/alerts/counts.
type CountsResponse struct {
	Devices map[string]int64 `json:"devices"`
}

// Recent handles GET /v1/alerts/recent?limit=
func (h *AlertsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.cache == nil {
		writeError(h.api, w, http.StatusServiceUnavailable, "recent alert cache is disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(h.api, w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	recent, err := h.cache.RecentAlerts(ctx, limit)
	if err != nil {
		log := requestLogger(r)
		log.Error().Err(err).Msg("failed to read recent alerts")
		writeError(h.api, w, http.StatusBadGateway, "failed to read recent alerts")
		return
	}
	if recent == nil {
		recent = []state.RecentAlert{}
	}

	writeJSON(h.api, w, http.StatusOK, RecentResponse{Alerts: recent})
}

// Counts handles GET /v1/alerts/counts
func (h *AlertsHandler) Counts(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.cache == nil {
		writeError(h.api, w, http.StatusServiceUnavailable, "recent alert cache is disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	counts, err := h.cache.DeviceCounts(ctx)
	if err != nil {
		log := requestLogger(r)
		log.Error().Err(err).Msg("failed to read device counts")
		writeError(h.api, w, http.StatusBadGateway, "failed to read device counts")
		return
	}

	writeJSON(h.api, w, http.StatusOK, CountsResponse{Devices: counts})
}

// History handles GET /v1/alerts/history?device_id=&limit=
func (h *AlertsHandler) History(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.store == nil {
		writeError(h.api, w, http.StatusServiceUnavailable, "alert storage is disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(h.api, w, http.StatusBadRequest, err.Error())
		return
	}
	deviceID := r.URL.Query().Get("device_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	records, err := h.store.History(ctx, deviceID, limit)
	if err != nil {
		log := requestLogger(r)
		log.Error().Err(err).Str("device_id", deviceID).Msg("failed to read alert history")
		writeError(h.api, w, http.StatusBadGateway, "failed to read alert history")
		return
	}
	if records == nil {
		records = []storage.AlertRecord{}
	}

	writeJSON(h.api, w, http.StatusOK, HistoryResponse{DeviceID: deviceID, Alerts: records})
}

// Readings handles GET /v1/devices/{id}/readings?limit=
func (h *AlertsHandler) Readings(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	if h.store == nil {
		writeError(h.api, w, http.StatusServiceUnavailable, "reading storage is disabled")
		return
	}

	deviceID := r.PathValue("id")
	if deviceID == "" {
		writeError(h.api, w, http.StatusBadRequest, "device id is required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(h.api, w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	readings, err := h.store.Readings(ctx, deviceID, limit)
	if err != nil {
		log := requestLogger(r)
		log.Error().Err(err).Str("device_id", deviceID).Msg("failed to read device readings")
		writeError(h.api, w, http.StatusBadGateway, "failed to read device readings")
		return
	}
	if readings == nil {
		readings = []storage.Reading{}
	}

	writeJSON(h.api, w, http.StatusOK, ReadingsResponse{DeviceID: deviceID, Readings: readings})
}

// requestLogger tags the http logger with the id Logging assigned.
func requestLogger(r *http.Request) zerolog.Logger {
	return logger.WithComponent("http").With().
		Str("request_id", middleware.RequestID(r.Context())).
		Logger()
}

func (h *AlertsHandler) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	writeError(h.api, w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

var errBadLimit = errors.New("limit must be a positive integer")

// parseLimit reads ?limit=. Absent means 0, letting the backend pick its default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	if n > maxQueryLimit {
		n = maxQueryLimit
	}
	return n, nil
}
