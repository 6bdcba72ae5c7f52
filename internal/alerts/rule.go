package alerts

import "hermes/internal/models"

// DefaultHeartRateThreshold is the bound used when none is configured.
const DefaultHeartRateThreshold int64 = 100

// Rule decides whether a decoded reading is an anomaly.
type Rule interface {
	IsAnomalous(event models.TelemetryEvent) bool
	AlertType() models.AlertType
}

// HeartRateRule flags readings strictly above Threshold.
type HeartRateRule struct {
	Threshold int64
}

// NewHeartRateRule returns a rule with the given exclusive bound.
func NewHeartRateRule(threshold int64) HeartRateRule {
	return HeartRateRule{Threshold: threshold}
}

// IsAnomalous reports heartRate > threshold. A reading equal to the bound is normal.
func IsAnomalous(event models.TelemetryEvent, threshold int64) bool {
	return event.HeartRate > threshold
}

func (r HeartRateRule) IsAnomalous(event models.TelemetryEvent) bool {
	return IsAnomalous(event, r.Threshold)
}

func (r HeartRateRule) AlertType() models.AlertType {
	return models.AlertTypeHighHeartRate
}
