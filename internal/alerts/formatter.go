package alerts

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"hermes/internal/models"
)

// Formatter builds alerts from flagged readings and renders them for the output topic.
type Formatter struct {
	api jsoniter.API
}

// NewFormatter creates a formatter that serializes with the shared JSON API.
func NewFormatter(api jsoniter.API) *Formatter {
	return &Formatter{api: api}
}

// Format builds a HIGH_HEART_RATE alert. It is total: the event was
// validated when it was decoded.
func (f *Formatter) Format(event models.TelemetryEvent) models.AlertEvent {
	return f.FormatAs(event, models.AlertTypeHighHeartRate)
}

// FormatAs builds an alert of the kind reported by the rule that fired.
func (f *Formatter) FormatAs(event models.TelemetryEvent, alertType models.AlertType) models.AlertEvent {
	return models.AlertEvent{
		AlertType: alertType,
		DeviceID:  event.DeviceID,
		Value:     event.HeartRate,
	}
}

// Serialize renders {"alertType":...,"deviceId":...,"value":...}.
// Output is deterministic for a given alert.
func (f *Formatter) Serialize(alert models.AlertEvent) []byte {
	out, err := f.api.Marshal(alert)
	if err != nil {
		// AlertEvent holds only a string-kinded type, a string and an int64.
		panic(fmt.Sprintf("alerts: serialize alert for %q: %v", alert.DeviceID, err))
	}
	return out
}
