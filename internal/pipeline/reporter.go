package pipeline

import (
	"github.com/rs/zerolog"

	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/models"
)

// maxLoggedRaw bounds how much of a bad payload ends up in a log line.
const maxLoggedRaw = 256

// Reporter receives decode failures. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(rec models.Record, err *models.DecodeError)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(rec models.Record, err *models.DecodeError)

func (f ReporterFunc) Report(rec models.Record, err *models.DecodeError) {
	f(rec, err)
}

// LogReporter logs decode failures and counts them by kind.
type LogReporter struct {
	log zerolog.Logger
}

// NewLogReporter creates a reporter on the global logger.
func NewLogReporter() *LogReporter {
	return &LogReporter{log: logger.WithComponent("pipeline")}
}

func (r *LogReporter) Report(rec models.Record, err *models.DecodeError) {
	metrics.DecodeErrorsTotal.WithLabelValues(string(err.Kind), err.Field).Inc()

	raw := rec.Value
	truncated := false
	if len(raw) > maxLoggedRaw {
		raw = raw[:maxLoggedRaw]
		truncated = true
	}

	evt := r.log.Warn().
		Err(err).
		Str("error_kind", string(err.Kind)).
		Bytes("raw", raw).
		Int("raw_len", len(rec.Value)).
		Bool("raw_truncated", truncated)

	if err.Field != "" {
		evt = evt.Str("field", err.Field)
	}
	if rec.FromBroker() {
		evt = evt.
			Str("topic", rec.Topic).
			Int("partition", rec.Partition).
			Int64("offset", rec.Offset)
	}

	evt.Msg("dropping undecodable telemetry record")
}
