// Command simulator publishes synthetic heart-rate telemetry for a fleet of
// devices. Most readings are normal; a small share are anomalous.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"hermes/internal/codec"
	"hermes/internal/config"
	"hermes/internal/logger"
	"hermes/internal/models"
)

// defaultTopic is the telemetry topic the detector consumes by default.
const defaultTopic = "health_data"

// messageWriter is the part of *kafka.Writer the simulator uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	var (
		brokers     = flag.String("brokers", config.DefaultBroker, "comma-separated kafka brokers")
		topic       = flag.String("topic", defaultTopic, "topic to publish telemetry to")
		devices     = flag.Int("devices", 10, "number of simulated devices")
		anomalyRate = flag.Float64("anomaly-rate", 0.05, "share of readings above the normal range")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger.Init(*logLevel, "json")
	log := logger.WithComponent("simulator")

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.ParseList(*brokers)...),
		Topic:        *topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	defer writer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("topic", *topic).
		Int("devices", *devices).
		Float64("anomaly_rate", *anomalyRate).
		Msg("starting simulator")

	api := codec.New()

	var sent atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *devices; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			simulateDevice(ctx, writer, api, fmt.Sprintf("device-%03d", id), *anomalyRate, &sent)
		}(i)
	}

	wg.Wait()
	log.Info().Uint64("sent", sent.Load()).Msg("simulator stopped")
}

// simulateDevice publishes readings for one device until ctx is cancelled.
// api is shared by every device.
func simulateDevice(ctx context.Context, w messageWriter, api jsoniter.API, deviceID string, anomalyRate float64, sent *atomic.Uint64) {
	log := logger.WithDevice(deviceID)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		event := reading(rng, deviceID, anomalyRate)
		payload, err := api.Marshal(event)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode reading")
			return
		}

		err = w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(deviceID),
			Value: payload,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("failed to publish reading")
		} else {
			sent.Add(1)
			log.Debug().Int64("heart_rate", event.HeartRate).Msg("reading published")
		}

		// Wait 500..1500ms before the next reading
		select {
		case <-time.After(time.Duration(500+rng.Intn(1000)) * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// reading draws a heart rate in 60..99, or 100..139 with probability anomalyRate.
func reading(rng *rand.Rand, deviceID string, anomalyRate float64) models.TelemetryEvent {
	heartRate := 60 + rng.Intn(40)
	if rng.Float64() < anomalyRate {
		heartRate = 100 + rng.Intn(40)
	}
	return models.TelemetryEvent{
		DeviceID:  deviceID,
		HeartRate: int64(heartRate),
		Timestamp: time.Now().Unix(),
	}
}
