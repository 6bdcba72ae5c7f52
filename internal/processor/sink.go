package processor

import (
	"context"
	"time"

	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/models"
	"hermes/internal/state"
	"hermes/internal/storage"
	"hermes/internal/worker"
)

// sinkTimeout bounds each secondary write.
const sinkTimeout = 2 * time.Second

// sink publishes to the output topic and, once the broker has accepted an
// alert, records it in the optional cache and store. Secondary failures are
// logged and counted but never fail the publish.
type sink struct {
	primary worker.Publisher
	cache   state.AlertCache
	store   storage.Store
}

func (s *sink) Publish(ctx context.Context, env *models.Envelope) error {
	if err := s.primary.Publish(ctx, env); err != nil {
		return err
	}
	s.fanOut(env)
	return nil
}

func (s *sink) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if err := s.primary.PublishBatch(ctx, envelopes); err != nil {
		return err
	}
	for _, env := range envelopes {
		s.fanOut(env)
	}
	return nil
}

// RecordReading stores a decoded reading. Best effort, like the alert fan-out.
func (s *sink) RecordReading(event models.TelemetryEvent) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	err := s.store.PersistReading(ctx, storage.NewReading(event, time.Now()))
	cancel()
	s.observe("postgres_readings", event.DeviceID, "", err)
}

func (s *sink) fanOut(env *models.Envelope) {
	if len(env.Payload) == 0 {
		return
	}

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := s.cache.RecordAlert(ctx, env)
		cancel()
		s.observe("redis", env.Alert.DeviceID, env.AlertID, err)
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := s.store.PersistAlert(ctx, env)
		cancel()
		s.observe("postgres", env.Alert.DeviceID, env.AlertID, err)
	}
}

func (s *sink) observe(name, deviceID, alertID string, err error) {
	if err == nil {
		metrics.SinkWritesTotal.WithLabelValues(name, "success").Inc()
		return
	}
	metrics.SinkWritesTotal.WithLabelValues(name, "failed").Inc()

	log := logger.WithDevice(deviceID)
	event := log.Warn().
		Err(err).
		Str("sink", name)
	if alertID != "" {
		event = event.Str("alert_id", alertID)
	}
	event.Msg("failed to write to secondary sink")
}
