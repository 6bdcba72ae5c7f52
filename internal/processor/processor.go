package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hermes/internal/alerts"
	"hermes/internal/codec"
	"hermes/internal/config"
	"hermes/internal/handlers"
	"hermes/internal/kafka"
	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/middleware"
	"hermes/internal/models"
	"hermes/internal/pipeline"
	"hermes/internal/state"
	"hermes/internal/storage"
	"hermes/internal/worker"
)

// Source yields inbound telemetry records.
type Source interface {
	ReadRecord(ctx context.Context) (models.Record, error)
	Close() error
}

// Publisher delivers alert envelopes to the output topic.
type Publisher interface {
	worker.Publisher
	HealthCheck(ctx context.Context) error
	Close() error
}

// Option configures a Processor.
type Option func(*Processor)

// WithSource replaces the kafka consumer.
func WithSource(src Source) Option {
	return func(p *Processor) { p.source = src }
}

// WithPublisher replaces the kafka producer.
func WithPublisher(pub Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// WithCache enables the recent-alert cache.
func WithCache(cache state.AlertCache) Option {
	return func(p *Processor) { p.cache = cache }
}

// WithStore enables alert and reading history storage.
func WithStore(store storage.Store) Option {
	return func(p *Processor) { p.store = store }
}

// WithStage sets the initial stage instead of building one from config.
func WithStage(stage *pipeline.Stage) Option {
	return func(p *Processor) { p.SetStage(stage) }
}

// WithAPI sets the JSON API shared by the stage and the HTTP handlers.
func WithAPI(api jsoniter.API) Option {
	return func(p *Processor) { p.api = api }
}

// Processor is the high-level coordinator for consuming, evaluating and alerting.
type Processor struct {
	cfg        *config.Config
	api        jsoniter.API
	source     Source
	publisher  Publisher
	cache      state.AlertCache
	store      storage.Store
	stage      atomic.Pointer[pipeline.Stage]
	workerPool *worker.Pool
	httpServer *http.Server
	records    chan models.Record
	wg         sync.WaitGroup

	// drainTimeout bounds how long shutdown waits for workers to flush
	drainTimeout time.Duration
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{
		cfg:          cfg,
		records:      make(chan models.Record, cfg.Worker.QueueSize),
		drainTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.api == nil {
		p.api = codec.New()
	}
	if p.stage.Load() == nil {
		p.SetStage(pipeline.FromConfig(p.api, cfg.Detector, nil))
	}
	return p
}

// Stage returns the stage currently applied to inbound records.
func (p *Processor) Stage() *pipeline.Stage {
	return p.stage.Load()
}

// SetStage swaps the active stage. Records already being handled finish on
// the stage they started with.
func (p *Processor) SetStage(stage *pipeline.Stage) {
	if stage == nil {
		return
	}
	p.stage.Store(stage)

	if rule, ok := stage.Rule().(alerts.HeartRateRule); ok {
		metrics.HeartRateThreshold.Set(float64(rule.Threshold))
		log := logger.WithComponent("processor")
		log.Info().
			Int64("heart_rate_threshold", rule.Threshold).
			Msg("stage activated")
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.initSource(); err != nil {
		log.Error().Err(err).Msg("failed to initialize consumer")
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	if err := p.initPublisher(); err != nil {
		log.Error().Err(err).Msg("failed to initialize producer")
		p.source.Close()
		return fmt.Errorf("failed to initialize producer: %w", err)
	}

	p.initWorkerPool()
	p.workerPool.Start()

	if p.cfg.HTTP.Addr != "" {
		p.initHTTPServer()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
			if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	// Consumer loop feeds the worker pool until ctx is cancelled
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		p.consume(ctx)
	}()

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown(consumed)
}

// initSource creates the kafka consumer unless one was injected
func (p *Processor) initSource() error {
	if p.source != nil {
		return nil
	}
	consumer, err := kafka.NewConsumer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.InputSource,
		p.cfg.Kafka.ConsumerGroup,
		p.cfg.Kafka.Consumer,
	)
	if err != nil {
		return err
	}
	p.source = consumer
	return nil
}

// initPublisher creates the kafka producer unless one was injected
func (p *Processor) initPublisher() error {
	log := logger.WithComponent("processor")
	if p.publisher != nil {
		return nil
	}
	producer, err := kafka.NewProducer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.OutputSink,
		p.cfg.Kafka.Producer,
	)
	if err != nil {
		return err
	}

	p.publisher = producer
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.OutputSink).
		Msg("kafka producer initialized")
	return nil
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	log := logger.WithComponent("processor")
	out := &sink{
		primary: p.publisher,
		cache:   p.cache,
		store:   p.store,
	}
	var readings worker.ReadingRecorder
	if p.store != nil && p.cfg.Storage.PersistReadings {
		readings = out
	}

	p.workerPool = worker.NewPool(worker.Config{
		Publisher: out,
		Readings:  readings,
		Stages:       p,
		Records:      p.records,
		Workers:      p.cfg.Worker.Count,
		BatchSize:    p.cfg.Worker.BatchSize,
		BatchTimeout: p.cfg.Worker.BatchTimeout,
	})
	metrics.WorkerQueueCapacity.Set(float64(cap(p.records)))
	log.Info().Int("workers", p.cfg.Worker.Count).Msg("worker pool initialized")
}

// consume reads from the source into the record channel and closes it on exit.
func (p *Processor) consume(ctx context.Context) {
	log := logger.WithComponent("consumer_loop")
	defer close(p.records)

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		rec, err := p.source.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kafka.ErrConsumerClosed) {
				return
			}
			log.Error().Err(err).Dur("backoff", backoff).Msg("failed to read record")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 100 * time.Millisecond

		select {
		case p.records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// Handler returns the HTTP ops surface.
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	evaluate := handlers.NewEvaluateHandler(handlers.EvaluateConfig{
		Stages: p,
		API:    p.api,
	})
	mux.Handle("/v1/evaluate", middleware.Chain(
		evaluate,
		middleware.Recovery,
		middleware.Logging,
	))

	alertsHandler := handlers.NewAlertsHandler(p.cache, p.store, p.api)
	mux.Handle("/v1/alerts/recent", middleware.Chain(
		http.HandlerFunc(alertsHandler.Recent),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/v1/alerts/counts", middleware.Chain(
		http.HandlerFunc(alertsHandler.Counts),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/v1/alerts/history", middleware.Chain(
		http.HandlerFunc(alertsHandler.History),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/v1/devices/{id}/readings", middleware.Chain(
		http.HandlerFunc(alertsHandler.Readings),
		middleware.Recovery,
		middleware.Logging,
	))

	// Health check
	mux.HandleFunc("/health", p.healthHandler)

	// Stats endpoint
	mux.HandleFunc("/stats", p.statsHandler)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown(consumed <-chan struct{}) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	if p.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		log.Info().Msg("stopping HTTP server")
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	// 2. Stop reading; the consumer loop closes the record channel
	<-consumed

	// 3. Let workers drain buffered records and flush (with timeout)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancelDrain()
	if err := p.workerPool.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("worker shutdown timeout - forcing exit")
	} else {
		log.Info().Msg("workers stopped gracefully")
	}

	// 4. Close transport and sinks
	var errs []error
	log.Info().Msg("closing kafka consumer")
	if err := p.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("consumer close: %w", err))
	}

	log.Info().Msg("closing kafka producer")
	if err := p.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("producer close: %w", err))
	}

	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	// 5. Wait for all goroutines
	p.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("errors during shutdown")
		return err
	}

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.WorkerQueueSize.Set(float64(s.Queue.Buffered))

			event := log.Info().
				Uint64("worker_processed", s.Worker.Processed).
				Uint64("worker_alerts", s.Worker.Alerts).
				Uint64("worker_published", s.Worker.Published).
				Uint64("worker_failed", s.Worker.Failed).
				Int("queue_size", s.Queue.Buffered).
				Int64("heart_rate_threshold", s.HeartRateThreshold)
			if s.Producer != nil {
				event = event.
					Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed).
					Uint64("producer_bytes", s.Producer.BytesWritten)
			}
			if s.Consumer != nil {
				event = event.Int64("consumer_lag", s.Consumer.Lag)
			}
			event.Msg("stats")
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Worker             worker.Stats         `json:"worker"`
	Producer           *kafka.ProducerStats `json:"producer,omitempty"`
	Consumer           *kafka.ConsumerStats `json:"consumer,omitempty"`
	Queue              QueueStats           `json:"channel"`
	HeartRateThreshold int64                `json:"heart_rate_threshold"`
}

// QueueStats describes the record channel between consumer and workers.
type QueueStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// Stats collects current statistics. Producer and consumer stats are only
// present for the kafka implementations.
func (p *Processor) Stats() Stats {
	s := Stats{
		Queue: QueueStats{Buffered: len(p.records), Capacity: cap(p.records)},
	}
	if p.workerPool != nil {
		s.Worker = p.workerPool.Stats()
	}
	if rule, ok := p.Stage().Rule().(alerts.HeartRateRule); ok {
		s.HeartRateThreshold = rule.Threshold
	}
	if prod, ok := p.publisher.(*kafka.Producer); ok {
		ps := prod.Stats()
		s.Producer = &ps
	}
	if cons, ok := p.source.(*kafka.Consumer); ok {
		cs := cons.Stats()
		s.Consumer = &cs
	}
	return s
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p.publisher == nil {
		http.Error(w, "unhealthy: publisher not started", http.StatusServiceUnavailable)
		return
	}

	// Check Kafka connectivity
	if err := p.publisher.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	data, err := p.api.Marshal(p.Stats())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
