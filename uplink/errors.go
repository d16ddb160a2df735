package uplink

import (
	"fmt"

	"github.com/akhenakh/lorameteo/storage"
)

// ErrorKind classifies normalization failures.
type ErrorKind int

const (
	MissingField ErrorKind = iota
	UnknownSchema
	InvalidJSON
	InvalidField
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case UnknownSchema:
		return "unknown_schema"
	case InvalidJSON:
		return "invalid_json"
	case InvalidField:
		return "invalid_field"
	default:
		return "unknown"
	}
}

// NormalizeError is returned when a body can't be mapped to a report.
type NormalizeError struct {
	Kind   ErrorKind
	Schema storage.Schema
	Field  string
	Err    error
}

func (e *NormalizeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s %s %s: %v", e.Schema, e.Kind, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s %s %s", e.Schema, e.Kind, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *NormalizeError) Unwrap() error {
	return e.Err
}

func missing(s storage.Schema, field string) error {
	return &NormalizeError{Kind: MissingField, Schema: s, Field: field}
}

func invalid(s storage.Schema, field string, err error) error {
	return &NormalizeError{Kind: InvalidField, Schema: s, Field: field, Err: err}
}
