package handlers

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"hermes/internal/logger"
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	ErrorKind string `json:"error_kind,omitempty"`
	Field     string `json:"field,omitempty"`
	Error     string `json:"error"`
}

// writeJSON writes v with status using api.
func writeJSON(api jsoniter.API, w http.ResponseWriter, status int, v interface{}) {
	data, err := api.Marshal(v)
	if err != nil {
		log := logger.WithComponent("http")
		log.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes an error response
func writeError(api jsoniter.API, w http.ResponseWriter, status int, message string) {
	writeJSON(api, w, status, ErrorResponse{Error: message})
}
