package models

import "time"

// Record is one inbound message as handed over by the transport.
// Only Value is interpreted; the rest is kept for diagnostics and headers.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// RawRecord wraps a bare payload that did not come from a broker.
func RawRecord(raw []byte) Record {
	return Record{Value: raw, Offset: -1}
}

// FromBroker reports whether the record carries broker coordinates.
func (r Record) FromBroker() bool {
	return r.Topic != "" && r.Offset >= 0
}
