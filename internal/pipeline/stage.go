// Package pipeline composes decoding, anomaly detection and alert formatting
// into the per-record function the transport calls.
package pipeline

import (
	"errors"
	"time"

	"hermes/internal/alerts"
	"hermes/internal/metrics"
	"hermes/internal/models"
)

// Decoder turns a raw record into a TelemetryEvent or a *models.DecodeError.
type Decoder interface {
	Decode(raw []byte) (models.TelemetryEvent, error)
}

// Formatter builds and serializes alerts.
type Formatter interface {
	FormatAs(event models.TelemetryEvent, alertType models.AlertType) models.AlertEvent
	Serialize(alert models.AlertEvent) []byte
}

// Stage is the record-processing function: decode, evaluate, format.
// A Stage is immutable after construction and safe for concurrent use;
// configuration changes build a new Stage.
type Stage struct {
	decoder   Decoder
	rule      alerts.Rule
	formatter Formatter
	reporter  Reporter
}

// NewStage wires the collaborators into a stage. A nil reporter logs.
func NewStage(decoder Decoder, rule alerts.Rule, formatter Formatter, reporter Reporter) *Stage {
	if reporter == nil {
		reporter = NewLogReporter()
	}
	return &Stage{
		decoder:   decoder,
		rule:      rule,
		formatter: formatter,
		reporter:  reporter,
	}
}

// Rule returns the anomaly rule this stage evaluates.
func (s *Stage) Rule() alerts.Rule {
	return s.rule
}

// Process runs one raw message through the stage and returns the serialized
// alert, if any. Decode failures are reported and yield no output.
func (s *Stage) Process(raw []byte) ([]byte, bool) {
	env, ok := s.Handle(models.RawRecord(raw))
	if !ok {
		return nil, false
	}
	return env.Payload, true
}

// Result is the outcome of running one record through the stage.
type Result struct {
	// Event is valid only when Decoded is true
	Event   models.TelemetryEvent
	Decoded bool

	// Envelope is non-nil only for an anomalous reading
	Envelope *models.Envelope
}

// Handle is Process for a broker record; the returned envelope carries the
// alert, its wire bytes and the source coordinates.
func (s *Stage) Handle(rec models.Record) (*models.Envelope, bool) {
	res := s.HandleRecord(rec)
	return res.Envelope, res.Envelope != nil
}

// HandleRecord is Handle that also returns the decoded event, normal or not.
func (s *Stage) HandleRecord(rec models.Record) Result {
	start := time.Now()
	defer func() {
		metrics.StageProcessDuration.Observe(time.Since(start).Seconds())
	}()

	event, err := s.decoder.Decode(rec.Value)
	if err != nil {
		s.report(rec, err)
		metrics.RecordsEvaluatedTotal.WithLabelValues("dropped").Inc()
		return Result{}
	}

	if !s.rule.IsAnomalous(event) {
		metrics.RecordsEvaluatedTotal.WithLabelValues("normal").Inc()
		return Result{Event: event, Decoded: true}
	}

	alert := s.formatter.FormatAs(event, s.rule.AlertType())
	payload := s.formatter.Serialize(alert)

	metrics.RecordsEvaluatedTotal.WithLabelValues("alert").Inc()
	metrics.AlertsEmittedTotal.WithLabelValues(string(alert.AlertType)).Inc()

	return Result{
		Event:    event,
		Decoded:  true,
		Envelope: models.NewEnvelope(alert, payload, event, rec),
	}
}

// Evaluate decodes and classifies raw without reporting, for dry runs.
// It returns the alert (when anomalous) or the decode error.
func (s *Stage) Evaluate(raw []byte) (*models.AlertEvent, []byte, error) {
	event, err := s.decoder.Decode(raw)
	if err != nil {
		return nil, nil, asDecodeError(err)
	}
	if !s.rule.IsAnomalous(event) {
		return nil, nil, nil
	}
	alert := s.formatter.FormatAs(event, s.rule.AlertType())
	return &alert, s.formatter.Serialize(alert), nil
}

func (s *Stage) report(rec models.Record, err error) {
	s.reporter.Report(rec, asDecodeError(err))
}

// asDecodeError keeps the taxonomy closed: a decoder returning a foreign
// error is treated as a malformed payload.
func asDecodeError(err error) *models.DecodeError {
	var de *models.DecodeError
	if errors.As(err, &de) {
		return de
	}
	return models.Malformed(err)
}
