package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"hermes/internal/codec"
	"hermes/internal/models"
	"hermes/internal/pipeline"
)

// StageSource hands out the stage currently in effect.
type StageSource interface {
	Stage() *pipeline.Stage
}

// EvaluateHandler runs a telemetry record through the active stage without
// publishing anything. Useful for checking thresholds and payload shape.
type EvaluateHandler struct {
	stages      StageSource
	api         jsoniter.API
	maxBodySize int64
}

// EvaluateConfig holds configuration for the evaluate handler
type EvaluateConfig struct {
	Stages      StageSource
	API         jsoniter.API
	MaxBodySize int64
}

// NewEvaluateHandler creates a new evaluate handler
func NewEvaluateHandler(cfg EvaluateConfig) *EvaluateHandler {
	api := cfg.API
	if api == nil {
		api = codec.New()
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20 // 1MB default
	}

	return &EvaluateHandler{
		stages:      cfg.Stages,
		api:         api,
		maxBodySize: maxBodySize,
	}
}

// ServeHTTP answers 200 with the alert record, 204 when the reading is
// normal and 422 when the body does not decode.
func (h *EvaluateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(h.api, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeError(h.api, w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(h.api, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(h.api, w, http.StatusBadRequest, "failed to read request body")
		return
	}

	_, payload, err := h.stages.Stage().Evaluate(body)
	if err != nil {
		var de *models.DecodeError
		errors.As(err, &de)
		writeJSON(h.api, w, http.StatusUnprocessableEntity, ErrorResponse{
			ErrorKind: string(de.Kind),
			Field:     de.Field,
			Error:     de.Error(),
		})
		return
	}

	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
