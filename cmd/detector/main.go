package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hermes/internal/codec"
	"hermes/internal/config"
	"hermes/internal/logger"
	"hermes/internal/pipeline"
	"hermes/internal/processor"
	"hermes/internal/state"
	"hermes/internal/storage"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to YAML config file")
		brokers       = flag.String("brokers", "", "comma-separated kafka brokers")
		inputSource   = flag.String("input-source", "", "topic telemetry is consumed from")
		outputSink    = flag.String("output-sink", "", "topic alerts are published to")
		consumerGroup = flag.String("consumer-group", "", "consumer group id")
		threshold     = flag.Int64("heart-rate-threshold", 0, "exclusive heart rate bound")
		httpAddr      = flag.String("http-addr", "", "ops HTTP listen address")
	)
	flag.Parse()

	// Only flags given on the command line override file and env values
	var overrides []config.Override
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "brokers":
			overrides = append(overrides, func(c *config.Config) { c.Kafka.Brokers = config.ParseList(*brokers) })
		case "input-source":
			overrides = append(overrides, func(c *config.Config) { c.Kafka.InputSource = *inputSource })
		case "output-sink":
			overrides = append(overrides, func(c *config.Config) { c.Kafka.OutputSink = *outputSink })
		case "consumer-group":
			overrides = append(overrides, func(c *config.Config) { c.Kafka.ConsumerGroup = *consumerGroup })
		case "heart-rate-threshold":
			overrides = append(overrides, func(c *config.Config) { c.Detector.HeartRateThreshold = *threshold })
		case "http-addr":
			overrides = append(overrides, func(c *config.Config) { c.HTTP.Addr = *httpAddr })
		}
	})

	cfg, err := config.Load(*configPath, overrides...)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := codec.New()
	opts := []processor.Option{
		processor.WithAPI(api),
		processor.WithStage(pipeline.FromConfig(api, cfg.Detector, nil)),
	}

	if cfg.Redis.Addr != "" {
		cache, err := state.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		opts = append(opts, processor.WithCache(cache))
	}

	if cfg.Storage.Backend == config.StoragePostgres {
		store, err := storage.NewPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		opts = append(opts, processor.WithStore(store))
	}

	p := processor.New(cfg, opts...)

	// Threshold and field names follow the config file; transport settings
	// need a restart.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				p.SetStage(pipeline.FromConfig(api, next.Detector, nil))
			}, overrides...)
			if err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	log.Info().
		Str("input_source", cfg.Kafka.InputSource).
		Str("output_sink", cfg.Kafka.OutputSink).
		Str("consumer_group", cfg.Kafka.ConsumerGroup).
		Int64("heart_rate_threshold", cfg.Detector.HeartRateThreshold).
		Msg("starting detector")

	// run processor in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()

	// wait for termination signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("processor exited")
			os.Exit(1)
		}
		return
	}

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("processor shutdown error")
			os.Exit(1)
		}
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
