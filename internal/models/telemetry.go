package models

// Default inbound field names.
const (
	DefaultDeviceIDField  = "deviceId"
	DefaultHeartRateField = "heartRate"
	DefaultTimestampField = "timestamp"
)

// TelemetryEvent is one decoded measurement from a device.
//
// A TelemetryEvent only exists once DeviceID and HeartRate were both
// extracted with their required types; the decoder never returns a partial one.
type TelemetryEvent struct {
	// Origin device, never empty
	DeviceID string `json:"deviceId"`

	// Beats per minute. Any integer is accepted, including zero and negatives.
	HeartRate int64 `json:"heartRate"`

	// Optional unix seconds carried by the producer, zero when absent
	Timestamp int64 `json:"timestamp,omitempty"`
}

// HasTimestamp reports whether the producer supplied a timestamp.
func (e TelemetryEvent) HasTimestamp() bool {
	return e.Timestamp != 0
}
