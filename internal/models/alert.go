package models

// AlertType names the kind of anomaly an alert reports.
type AlertType string

const (
	AlertTypeHighHeartRate AlertType = "HIGH_HEART_RATE"
)

// IsValid checks if the alert type is a known variant
func (t AlertType) IsValid() bool {
	switch t {
	case AlertTypeHighHeartRate:
		return true
	default:
		return false
	}
}

// AlertEvent is the outbound record emitted for an anomalous reading.
// Field names and order are the wire contract of the alerts topic.
type AlertEvent struct {
	AlertType AlertType `json:"alertType"`
	DeviceID  string    `json:"deviceId"`
	Value     int64     `json:"value"`
}
