// Package codec holds the JSON configuration shared by every pipeline stage
// and the decoder that turns inbound telemetry into models.TelemetryEvent.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// New returns the frozen JSON API used for both directions.
// A frozen API is immutable and safe for concurrent use, so one instance is
// built at startup and shared by all workers.
func New() jsoniter.API {
	return jsoniter.Config{
		EscapeHTML:  false,
		SortMapKeys: true,
		// Decode numbers as json.Number so integers are never routed through float64
		UseNumber:              true,
		ValidateJsonRawMessage: true,
	}.Froze()
}
