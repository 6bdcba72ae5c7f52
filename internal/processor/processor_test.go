package processor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/config"
	"hermes/internal/models"
	"hermes/internal/pipeline"
	"hermes/internal/state"
	"hermes/internal/storage"
)

// chanSource serves records from a channel.
type chanSource struct {
	ch     chan models.Record
	closed bool
	mu     sync.Mutex
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan models.Record, 100)}
}

func (s *chanSource) ReadRecord(ctx context.Context) (models.Record, error) {
	select {
	case rec := <-s.ch:
		return rec, nil
	case <-ctx.Done():
		return models.Record{}, ctx.Err()
	}
}

func (s *chanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memPublisher records published payloads.
type memPublisher struct {
	mu        sync.Mutex
	payloads  []string
	failBatch bool
	unhealthy bool
	closed    bool

	// block, when set, holds PublishBatch until closed
	block chan struct{}
}

func (m *memPublisher) Publish(ctx context.Context, env *models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, string(env.Payload))
	return nil
}

func (m *memPublisher) PublishBatch(ctx context.Context, envs []*models.Envelope) error {
	if m.block != nil {
		<-m.block
	}
	if m.failBatch {
		return errors.New("broker unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		m.payloads = append(m.payloads, string(env.Payload))
	}
	return nil
}

func (m *memPublisher) HealthCheck(ctx context.Context) error {
	if m.unhealthy {
		return errors.New("no writer available")
	}
	return nil
}

func (m *memPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memPublisher) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.payloads...)
}

// memCache counts recorded alerts.
type memCache struct {
	mu     sync.Mutex
	alerts []*models.Envelope
	fail   bool
	closed bool
}

func (c *memCache) RecordAlert(ctx context.Context, env *models.Envelope) error {
	if c.fail {
		return errors.New("redis down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, env)
	return nil
}

func (c *memCache) RecentAlerts(ctx context.Context, limit int) ([]state.RecentAlert, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]state.RecentAlert, 0, len(c.alerts))
	for i := len(c.alerts) - 1; i >= 0; i-- {
		env := c.alerts[i]
		out = append(out, state.RecentAlert{AlertID: env.AlertID, AlertType: env.Alert.AlertType, DeviceID: env.Alert.DeviceID, Value: env.Alert.Value})
	}
	return out, nil
}

func (c *memCache) DeviceCounts(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (c *memCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// memStore counts persisted alerts and keeps readings.
type memStore struct {
	mu        sync.Mutex
	persisted int
	readings  []storage.Reading
}

func (s *memStore) PersistAlert(ctx context.Context, env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted++
	return nil
}

func (s *memStore) History(ctx context.Context, deviceID string, limit int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (s *memStore) PersistReading(ctx context.Context, reading storage.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, reading)
	return nil
}

func (s *memStore) Readings(ctx context.Context, deviceID string, limit int) ([]storage.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Reading
	for i := len(s.readings) - 1; i >= 0; i-- {
		if s.readings[i].DeviceID == deviceID {
			out = append(out, s.readings[i])
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) readingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Kafka.InputSource = "telemetry"
	cfg.Kafka.OutputSink = "alerts"
	cfg.Kafka.ConsumerGroup = "detectors"
	cfg.HTTP.Addr = ""
	cfg.Worker.Count = 2
	cfg.Worker.BatchSize = 10
	cfg.Worker.BatchTimeout = 20 * time.Millisecond
	return cfg
}

func record(value string) models.Record {
	return models.Record{Topic: "telemetry", Offset: 1, Value: []byte(value)}
}

func TestProcessorRun(t *testing.T) {
	src := newChanSource()
	pub := &memPublisher{}
	cache := &memCache{}
	store := &memStore{}

	p := New(testConfig(), WithSource(src), WithPublisher(pub), WithCache(cache), WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.ch <- record(`{"deviceId":"d1","heartRate":100}`)
	src.ch <- record(`{"deviceId":"d1","heartRate":101}`)
	src.ch <- record(`not json`)
	src.ch <- record(`{"deviceId":"d2","heartRate":180}`)

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.ElementsMatch(t, []string{
		`{"alertType":"HIGH_HEART_RATE","deviceId":"d1","value":101}`,
		`{"alertType":"HIGH_HEART_RATE","deviceId":"d2","value":180}`,
	}, pub.published())
	assert.Equal(t, 2, cache.count())
	assert.Equal(t, 2, store.count())
	assert.Equal(t, 3, store.readingCount(), "every decoded reading is stored")
	assert.True(t, pub.closed)
	assert.True(t, src.closed)
	assert.True(t, cache.closed)

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Worker.Processed)
	assert.Equal(t, uint64(2), stats.Worker.Alerts)
	assert.Equal(t, int64(100), stats.HeartRateThreshold)
}

func TestProcessorRun_InvalidKafkaConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.ConsumerGroup = ""

	err := New(cfg).Run(context.Background())
	assert.Error(t, err)
}

func TestProcessor_SetStage(t *testing.T) {
	p := New(testConfig(), WithSource(newChanSource()), WithPublisher(&memPublisher{}))
	h := p.Handler()

	evaluate := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, evaluate(`{"deviceId":"d","heartRate":120}`))

	detector := testConfig().Detector
	detector.HeartRateThreshold = 130
	p.SetStage(pipeline.FromConfig(nil, detector, nil))

	assert.Equal(t, http.StatusNoContent, evaluate(`{"deviceId":"d","heartRate":120}`))
	assert.Equal(t, int64(130), p.Stats().HeartRateThreshold)

	// nil is ignored
	p.SetStage(nil)
	assert.NotNil(t, p.Stage())
}

func TestProcessor_HealthAndStats(t *testing.T) {
	pub := &memPublisher{}
	p := New(testConfig(), WithSource(newChanSource()), WithPublisher(pub))
	h := p.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	pub.unhealthy = true
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"heart_rate_threshold":100`)
	assert.Contains(t, w.Body.String(), `"capacity":1000`)
	assert.NotContains(t, w.Body.String(), `"producer"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hermes_heart_rate_threshold")
}

func TestProcessor_RecentAlertsRoute(t *testing.T) {
	cache := &memCache{}
	p := New(testConfig(), WithSource(newChanSource()), WithPublisher(&memPublisher{}), WithCache(cache))

	env, ok := p.Stage().Handle(record(`{"deviceId":"d9","heartRate":150}`))
	require.True(t, ok)
	require.NoError(t, cache.RecordAlert(context.Background(), env))

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts/recent", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deviceId":"d9"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no store configured")
}

func TestSink_FanOutAfterPrimary(t *testing.T) {
	pub := &memPublisher{}
	cache := &memCache{fail: true}
	store := &memStore{}
	s := &sink{primary: pub, cache: cache, store: store}

	stage := pipeline.FromConfig(nil, testConfig().Detector, nil)
	env, ok := stage.Handle(record(`{"deviceId":"d","heartRate":140}`))
	require.True(t, ok)

	// cache failure does not fail the publish
	require.NoError(t, s.PublishBatch(context.Background(), []*models.Envelope{env}))
	assert.Len(t, pub.published(), 1)
	assert.Equal(t, 1, store.count())

	// primary failure skips the secondary sinks
	pub.failBatch = true
	assert.Error(t, s.PublishBatch(context.Background(), []*models.Envelope{env}))
	assert.Equal(t, 1, store.count())

	require.NoError(t, s.Publish(context.Background(), env))
	assert.Equal(t, 2, store.count())
}

func TestProcessorRun_ReadingsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.PersistReadings = false
	store := &memStore{}
	pub := &memPublisher{}
	src := newChanSource()

	p := New(cfg, WithSource(src), WithPublisher(pub), WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.ch <- record(`{"deviceId":"d1","heartRate":70}`)
	src.ch <- record(`{"deviceId":"d1","heartRate":170}`)

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, store.readingCount())
	assert.Equal(t, 1, store.count())
}

func TestProcessor_DeviceReadingsRoute(t *testing.T) {
	store := &memStore{}
	p := New(testConfig(), WithSource(newChanSource()), WithPublisher(&memPublisher{}), WithStore(store))

	require.NoError(t, store.PersistReading(context.Background(), storage.Reading{Timestamp: time.Unix(1700000000, 0), DeviceID: "d9", HeartRate: 64}))

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/devices/d9/readings", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"heartRate":64`)
	assert.Contains(t, w.Body.String(), `"device_id":"d9"`)
}

func TestProcessorRun_ShutdownDrainIsBounded(t *testing.T) {
	src := newChanSource()
	pub := &memPublisher{block: make(chan struct{})}
	defer close(pub.block)

	p := New(testConfig(), WithSource(src), WithPublisher(pub))
	p.drainTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.ch <- record(`{"deviceId":"d1","heartRate":150}`)

	// Let the batch timer fire so a worker is stuck publishing
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the drain timeout")
	}
	assert.True(t, src.closed)
}

func TestSink_RecordReading(t *testing.T) {
	store := &memStore{}
	s := &sink{primary: &memPublisher{}, store: store}

	s.RecordReading(models.TelemetryEvent{DeviceID: "d1", HeartRate: 80, Timestamp: 1700000000})
	require.Equal(t, 1, store.readingCount())

	readings, err := store.Readings(context.Background(), "d1", 0)
	require.NoError(t, err)
	assert.True(t, readings[0].Timestamp.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, int64(80), readings[0].HeartRate)

	// no store configured
	(&sink{primary: &memPublisher{}}).RecordReading(models.TelemetryEvent{DeviceID: "d1", HeartRate: 80})
}
