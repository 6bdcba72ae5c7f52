package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/models"
	"hermes/internal/pipeline"
)

// Publisher defines the interface for publishing alert envelopes
type Publisher interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// ReadingRecorder receives every decoded reading, normal or anomalous.
// It must not block for long; it runs on the worker goroutine.
type ReadingRecorder interface {
	RecordReading(event models.TelemetryEvent)
}

// StageSource hands out the stage currently in effect. It is consulted per
// record so a reloaded stage takes over without restarting workers.
type StageSource interface {
	Stage() *pipeline.Stage
}

// Pool manages a pool of workers that run inbound records through the stage
// and publish the resulting alerts
type Pool struct {
	publisher    Publisher
	readings     ReadingRecorder
	stages       StageSource
	records      <-chan models.Record
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	alerts    atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	Readings     ReadingRecorder // optional
	Stages       StageSource
	Records      <-chan models.Record
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		readings:     cfg.Readings,
		stages:       cfg.Stages,
		records:      cfg.Records,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing records
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop cancels the workers and waits for them to flush pending alerts. It
// gives up when ctx is done and returns ctx.Err(); workers still publishing
// finish in the background.
func (p *Pool) Stop(ctx context.Context) error {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("worker pool stop timed out")
		return ctx.Err()
	}
}

// Wait blocks until every worker has exited, which happens once the record
// channel is closed and drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run restarts the worker loop after a recovered panic until the pool stops.
func (p *Pool) run(id int) {
	defer p.wg.Done()
	for !p.worker(id) {
	}
}

// worker evaluates records from the channel. It returns true when it exited
// normally and false after recovering from a panic.
func (p *Pool) worker(id int) (done bool) {
	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	batch := make([]*models.Envelope, 0, p.batchSize)

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			done = p.ctx.Err() != nil
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.drain(&batch)
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			return true

		case rec, ok := <-p.records:
			if !ok {
				// Channel closed, flush and exit
				if len(batch) > 0 {
					p.publishBatch(batch)
				}
				return true
			}

			if env, ok := p.handle(rec); ok {
				batch = append(batch, env)
			}

			// Publish when batch is full
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			// Publish on timeout if we have any alerts
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain evaluates records already buffered in the channel without blocking.
func (p *Pool) drain(batch *[]*models.Envelope) {
	for {
		select {
		case rec, ok := <-p.records:
			if !ok {
				return
			}
			if env, ok := p.handle(rec); ok {
				*batch = append(*batch, env)
			}
		default:
			return
		}
	}
}

func (p *Pool) handle(rec models.Record) (*models.Envelope, bool) {
	metrics.WorkerQueueSize.Set(float64(len(p.records)))
	p.processed.Add(1)

	res := p.stages.Stage().HandleRecord(rec)
	if res.Decoded && p.readings != nil {
		p.readings.RecordReading(res.Event)
	}
	if res.Envelope == nil {
		return nil, false
	}
	p.alerts.Add(1)
	return res.Envelope, true
}

// publishBatch publishes a batch of alerts. The context is detached from the
// pool so a shutdown flush is not cancelled.
func (p *Pool) publishBatch(batch []*models.Envelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Debug().Int("batch_size", len(batch)).Msg("publishing alert batch")

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish alert batch")

		// Fallback: try publishing individually
		p.publishIndividually(batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("alert batch published")

	p.published.Add(uint64(len(batch)))
	metrics.WorkerPublishedTotal.Add(float64(len(batch)))
}

// publishIndividually tries to publish each envelope separately (fallback)
func (p *Pool) publishIndividually(batch []*models.Envelope) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, envelope := range batch {
		envelope.RetryCount++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.publisher.Publish(ctx, envelope)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("alert_id", envelope.AlertID).
				Str("device_id", envelope.Alert.DeviceID).
				Int("retry_count", envelope.RetryCount).
				Msg("failed to publish alert individually")

			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}

		log.Debug().
			Str("alert_id", envelope.AlertID).
			Msg("alert published individually")

		p.published.Add(1)
		metrics.WorkerPublishedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Alerts:    p.alerts.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Alerts    uint64 `json:"alerts"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}
