package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies persistence failures.
type ErrorKind int

const (
	KindIOFault ErrorKind = iota
	KindTimeout
	KindConstraintViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConstraintViolation:
		return "constraint_violation"
	default:
		return "io_fault"
	}
}

// StoreError is returned by storage backends on any persistence fault.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err, context deadlines are classified as timeouts.
func NewStoreError(op string, kind ErrorKind, err error) *StoreError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a StoreError found in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
