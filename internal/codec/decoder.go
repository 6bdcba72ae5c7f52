package codec

import (
	"bytes"
	"errors"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"hermes/internal/models"
)

var (
	errEmptyPayload = errors.New("empty payload")
	errNotObject    = errors.New("top-level value is not an object")
	errNull         = errors.New("value is null")
	errNotString    = errors.New("value is not a string")
	errNotInteger   = errors.New("value is not an integer")
)

// Decoder extracts a TelemetryEvent from a raw JSON record.
// It holds no mutable state and may be shared across goroutines.
type Decoder struct {
	api            jsoniter.API
	deviceIDField  string
	heartRateField string
	timestampField string
}

// DecoderOption is a functional option for configuring the decoder
type DecoderOption func(*Decoder)

// WithFields overrides the inbound field names for device id and heart rate.
// Empty names keep the defaults.
func WithFields(deviceID, heartRate string) DecoderOption {
	return func(d *Decoder) {
		if deviceID != "" {
			d.deviceIDField = deviceID
		}
		if heartRate != "" {
			d.heartRateField = heartRate
		}
	}
}

// NewDecoder creates a decoder on top of a shared JSON API.
func NewDecoder(api jsoniter.API, opts ...DecoderOption) *Decoder {
	if api == nil {
		api = New()
	}
	d := &Decoder{
		api:            api,
		deviceIDField:  models.DefaultDeviceIDField,
		heartRateField: models.DefaultHeartRateField,
		timestampField: models.DefaultTimestampField,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses raw into a TelemetryEvent. Any returned error is a
// *models.DecodeError; unknown fields are ignored.
func (d *Decoder) Decode(raw []byte) (models.TelemetryEvent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return models.TelemetryEvent{}, models.Malformed(errEmptyPayload)
	}

	var fields map[string]jsoniter.RawMessage
	if err := d.api.Unmarshal(raw, &fields); err != nil {
		return models.TelemetryEvent{}, models.Malformed(err)
	}
	// a literal null decodes without error into a nil map
	if fields == nil {
		return models.TelemetryEvent{}, models.Malformed(errNotObject)
	}

	deviceID, err := d.deviceID(fields)
	if err != nil {
		return models.TelemetryEvent{}, err
	}

	rawRate, ok := fields[d.heartRateField]
	if !ok {
		return models.TelemetryEvent{}, models.MissingField(d.heartRateField)
	}
	heartRate, perr := parseInteger(rawRate)
	if perr != nil {
		return models.TelemetryEvent{}, models.TypeMismatch(d.heartRateField, perr)
	}

	event := models.TelemetryEvent{
		DeviceID:  deviceID,
		HeartRate: heartRate,
	}

	// timestamp is optional pass-through; a bad one is dropped, not an error
	if rawTS, ok := fields[d.timestampField]; ok {
		if ts, err := parseInteger(rawTS); err == nil {
			event.Timestamp = ts
		}
	}

	return event, nil
}

func (d *Decoder) deviceID(fields map[string]jsoniter.RawMessage) (string, error) {
	raw, ok := fields[d.deviceIDField]
	if !ok {
		return "", models.MissingField(d.deviceIDField)
	}

	raw = bytes.TrimSpace(raw)
	switch {
	case isNull(raw):
		return "", models.TypeMismatch(d.deviceIDField, errNull)
	case len(raw) == 0 || raw[0] != '"':
		return "", models.TypeMismatch(d.deviceIDField, errNotString)
	}

	var id string
	if err := d.api.Unmarshal(raw, &id); err != nil {
		return "", models.TypeMismatch(d.deviceIDField, err)
	}
	if id == "" {
		return "", models.MissingField(d.deviceIDField)
	}
	return id, nil
}

// parseInteger accepts a JSON number literal without fraction or exponent
// that fits in an int64.
func parseInteger(raw []byte) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return 0, errNull
	}
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, errNotInteger
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	return v, nil
}

func isNull(raw []byte) bool {
	return bytes.Equal(raw, []byte("null"))
}
