package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBroker             = "localhost:9092"
	DefaultHeartRateThreshold = 100
	DefaultDeviceIDField      = "deviceId"
	DefaultHeartRateField     = "heartRate"
	DefaultHTTPAddr           = ":8080"
	DefaultRecentAlertsKey    = "hermes:alerts:recent"
	DefaultRecentAlertsLimit  = 20
)

// Storage backends
const (
	StorageNone     = "none"
	StoragePostgres = "postgres"
)

// Config holds runtime configuration for the detector.
type Config struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Detector DetectorConfig `yaml:"detector"`
	Worker   WorkerConfig   `yaml:"worker"`
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// KafkaConfig holds broker, topic and client settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// InputSource is the topic telemetry is consumed from. Required.
	InputSource string `yaml:"input_source"`

	// OutputSink is the topic alerts are published to. Required.
	OutputSink string `yaml:"output_sink"`

	// ConsumerGroup identifies the ingestion consumer group. Required.
	ConsumerGroup string `yaml:"consumer_group"`

	Consumer ConsumerConfig `yaml:"consumer"`
	Producer ProducerConfig `yaml:"producer"`
}

// ConsumerConfig tunes the kafka reader.
type ConsumerConfig struct {
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	// StartOffset applies when the group has no committed offset: first | last
	StartOffset string `yaml:"start_offset"`
}

// ProducerConfig tunes the pooled kafka writers.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequiredAcks: -1 all, 0 none, 1 leader
	RequiredAcks int `yaml:"required_acks"`
	// Compression: none | gzip | snappy | lz4 | zstd
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DetectorConfig parameterizes the stage.
type DetectorConfig struct {
	// HeartRateThreshold is the exclusive anomaly bound.
	HeartRateThreshold int64 `yaml:"heart_rate_threshold"`

	// Inbound field names
	DeviceIDField  string `yaml:"device_id_field"`
	HeartRateField string `yaml:"heart_rate_field"`
}

// WorkerConfig sizes the worker pool between consumer and producer.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

// HTTPConfig configures the ops server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig configures the recent-alert cache. An empty Addr disables it.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Key         string `yaml:"key"`
	RecentLimit int    `yaml:"recent_limit"`
}

// StorageConfig configures alert and reading history persistence.
type StorageConfig struct {
	// Backend: none | postgres
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`

	// Store every decoded reading, not only alerts
	PersistReadings bool `yaml:"persist_readings"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Override mutates a loaded config, e.g. from command-line flags.
type Override func(*Config)

// Default returns a config for local dev. Topics and consumer group have no
// default and must be supplied.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers: []string{DefaultBroker},
			Consumer: ConsumerConfig{
				MinBytes:       1,
				MaxBytes:       10e6,
				MaxWait:        500 * time.Millisecond,
				CommitInterval: time.Second,
				StartOffset:    "first",
			},
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 50 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "none",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Detector: DetectorConfig{
			HeartRateThreshold: DefaultHeartRateThreshold,
			DeviceIDField:      DefaultDeviceIDField,
			HeartRateField:     DefaultHeartRateField,
		},
		Worker: WorkerConfig{
			Count:        4,
			BatchSize:    100,
			BatchTimeout: 100 * time.Millisecond,
			QueueSize:    1000,
		},
		HTTP: HTTPConfig{
			Addr: DefaultHTTPAddr,
		},
		Redis: RedisConfig{
			Key:         DefaultRecentAlertsKey,
			RecentLimit: DefaultRecentAlertsLimit,
		},
		Storage: StorageConfig{
			Backend:         StorageNone,
			PersistReadings: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty), HERMES_* environment variables and overrides, in that
// order, then validates it.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays HERMES_* variables. DATABASE_URL is honoured as the
// storage DSN when HERMES_STORAGE_DSN is unset.
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := os.LookupEnv("HERMES_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = ParseList(v)
	}
	str("HERMES_INPUT_SOURCE", &cfg.Kafka.InputSource)
	str("HERMES_OUTPUT_SINK", &cfg.Kafka.OutputSink)
	str("HERMES_CONSUMER_GROUP", &cfg.Kafka.ConsumerGroup)
	str("HERMES_HTTP_ADDR", &cfg.HTTP.Addr)
	str("HERMES_REDIS_ADDR", &cfg.Redis.Addr)
	str("HERMES_REDIS_PASSWORD", &cfg.Redis.Password)
	str("HERMES_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("DATABASE_URL", &cfg.Storage.DSN)
	str("HERMES_STORAGE_DSN", &cfg.Storage.DSN)
	str("HERMES_LOG_LEVEL", &cfg.Log.Level)
	str("HERMES_LOG_FORMAT", &cfg.Log.Format)

	if v, ok := os.LookupEnv("HERMES_STORAGE_PERSIST_READINGS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HERMES_STORAGE_PERSIST_READINGS: %w", err)
		}
		cfg.Storage.PersistReadings = b
	}

	if v, ok := os.LookupEnv("HERMES_HEART_RATE_THRESHOLD"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("HERMES_HEART_RATE_THRESHOLD: %w", err)
		}
		cfg.Detector.HeartRateThreshold = n
	}

	return nil
}

// ParseList splits a comma-separated list and drops empty entries.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required fields are set and have valid values.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers cannot be empty"))
	}
	if c.Kafka.InputSource == "" {
		errs = append(errs, errors.New("kafka.input_source is required"))
	}
	if c.Kafka.OutputSink == "" {
		errs = append(errs, errors.New("kafka.output_sink is required"))
	}
	if c.Kafka.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumer_group is required"))
	}
	if c.Kafka.InputSource != "" && c.Kafka.InputSource == c.Kafka.OutputSink {
		errs = append(errs, errors.New("kafka.input_source and kafka.output_sink must differ"))
	}

	switch c.Kafka.Consumer.StartOffset {
	case "first", "last":
	default:
		errs = append(errs, fmt.Errorf("kafka.consumer.start_offset: unknown value %q", c.Kafka.Consumer.StartOffset))
	}

	switch c.Kafka.Producer.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("kafka.producer.compression: unknown codec %q", c.Kafka.Producer.Compression))
	}
	switch c.Kafka.Producer.RequiredAcks {
	case -1, 0, 1:
	default:
		errs = append(errs, fmt.Errorf("kafka.producer.required_acks must be -1, 0 or 1"))
	}
	if c.Kafka.Producer.MaxRetries < 0 {
		errs = append(errs, errors.New("kafka.producer.max_retries must be >= 0"))
	}

	if c.Detector.DeviceIDField == "" {
		errs = append(errs, errors.New("detector.device_id_field cannot be empty"))
	}
	if c.Detector.HeartRateField == "" {
		errs = append(errs, errors.New("detector.heart_rate_field cannot be empty"))
	}
	if c.Detector.DeviceIDField != "" && c.Detector.DeviceIDField == c.Detector.HeartRateField {
		errs = append(errs, errors.New("detector.device_id_field and detector.heart_rate_field must differ"))
	}

	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if c.Worker.BatchTimeout <= 0 {
		errs = append(errs, errors.New("worker.batch_timeout must be positive"))
	}
	if c.Worker.QueueSize <= 0 {
		errs = append(errs, errors.New("worker.queue_size must be positive"))
	}

	if c.Redis.Addr != "" && c.Redis.RecentLimit <= 0 {
		errs = append(errs, errors.New("redis.recent_limit must be positive"))
	}

	switch c.Storage.Backend {
	case "", StorageNone:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}
