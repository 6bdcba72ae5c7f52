package pipeline

import (
	jsoniter "github.com/json-iterator/go"

	"hermes/internal/alerts"
	"hermes/internal/codec"
	"hermes/internal/config"
)

// FromConfig builds a stage for the detector settings. Decoder and formatter
// share api; a nil api uses codec.New.
func FromConfig(api jsoniter.API, cfg config.DetectorConfig, reporter Reporter) *Stage {
	if api == nil {
		api = codec.New()
	}
	return NewStage(
		codec.NewDecoder(api, codec.WithFields(cfg.DeviceIDField, cfg.HeartRateField)),
		alerts.NewHeartRateRule(cfg.HeartRateThreshold),
		alerts.NewFormatter(api),
		reporter,
	)
}
