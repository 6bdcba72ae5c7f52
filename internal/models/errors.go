package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an inbound record could not be decoded.
type ErrorKind string

const (
	KindMalformed    ErrorKind = "malformed"
	KindMissingField ErrorKind = "missing_field"
	KindTypeMismatch ErrorKind = "type_mismatch"
)

// Decode error kinds, usable with errors.Is
var (
	ErrMalformed    = errors.New("payload is not a structured record")
	ErrMissingField = errors.New("required field is missing")
	ErrTypeMismatch = errors.New("field has the wrong type")
)

// DecodeError reports a record that could not become a TelemetryEvent.
type DecodeError struct {
	Kind ErrorKind
	// Field is empty for KindMalformed
	Field string
	// Err is the underlying parser error, if any
	Err error
}

// Malformed returns a DecodeError for an unparseable payload.
func Malformed(err error) *DecodeError {
	return &DecodeError{Kind: KindMalformed, Err: err}
}

// MissingField returns a DecodeError for an absent required field.
func MissingField(name string) *DecodeError {
	return &DecodeError{Kind: KindMissingField, Field: name}
}

// TypeMismatch returns a DecodeError for a required field of the wrong type.
func TypeMismatch(name string, err error) *DecodeError {
	return &DecodeError{Kind: KindTypeMismatch, Field: name, Err: err}
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case KindMalformed:
		if e.Err != nil {
			return fmt.Sprintf("%v: %v", ErrMalformed, e.Err)
		}
		return ErrMalformed.Error()
	case KindMissingField:
		return fmt.Sprintf("%v: %q", ErrMissingField, e.Field)
	case KindTypeMismatch:
		if e.Err != nil {
			return fmt.Sprintf("%v: %q: %v", ErrTypeMismatch, e.Field, e.Err)
		}
		return fmt.Sprintf("%v: %q", ErrTypeMismatch, e.Field)
	default:
		return fmt.Sprintf("decode error %s", e.Kind)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrMissingField:
		return e.Kind == KindMissingField
	case ErrTypeMismatch:
		return e.Kind == KindTypeMismatch
	default:
		return false
	}
}
