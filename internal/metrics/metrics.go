package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_http_request_size_bytes",
			Help:    "HTTP request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_http_response_size_bytes",
			Help:    "HTTP response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Pipeline metrics
	RecordsConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_records_consumed_total",
			Help: "Total number of telemetry records read from the input topic",
		},
	)

	RecordsEvaluatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_records_evaluated_total",
			Help: "Total number of telemetry records run through the stage",
		},
		[]string{"outcome"}, // outcome: alert, normal, dropped
	)

	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_decode_errors_total",
			Help: "Total number of telemetry records that failed to decode",
		},
		[]string{"kind", "field"},
	)

	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_alerts_emitted_total",
			Help: "Total number of alerts produced by the stage",
		},
		[]string{"alert_type"},
	)

	StageProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hermes_stage_process_duration_seconds",
			Help:    "Time spent in the stage per record",
			Buckets: []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .0025, .01},
		},
	)

	HeartRateThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hermes_heart_rate_threshold",
			Help: "Heart rate bound of the active stage",
		},
	)

	ConsumerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_consumer_errors_total",
			Help: "Total number of failed reads from the input topic",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hermes_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hermes_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_worker_published_total",
			Help: "Total number of alerts handed to the publisher by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_worker_failed_total",
			Help: "Total number of alerts workers failed to publish",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hermes_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of alerts",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_kafka_publish_total",
			Help: "Total number of alerts published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hermes_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermes_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Secondary sinks
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_sink_writes_total",
			Help: "Total number of alert writes to secondary sinks",
		},
		[]string{"sink", "status"}, // sink: redis, postgres
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
