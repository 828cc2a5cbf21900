package variant

import (
	"fmt"
)

const (
	// ErrNoSuchRecord is a typed error returned when the requested variant record doesn't exist in the store
	ErrNoSuchRecord notFoundError = "no such variant record"
	// ErrKeyConflict is a typed error returned on create when a record already exists for the same (image, dimensions, format) tuple
	ErrKeyConflict conflictError = "variant record already exists for this key"
)

type conflictError string

func (e conflictError) Error() string {
	return string(e)
}
func (conflictError) Conflict() {}

type notFoundError string

func (e notFoundError) Error() string {
	return string(e)
}

func (notFoundError) NotFound() {}

// OpErr is the error type returned by variant stores. It describes the
// operation, the record or key involved, and the underlying error.
type OpErr struct {
	// Err is the error that occurred during the operation.
	Err error
	// Op is the operation which caused the error, such as "create", or "list".
	Op string
	// Ref identifies the resource the op acted on, typically a record ID or
	// variant key.
	Ref string
}

// Error satisfies the built-in error interface type.
func (e *OpErr) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Op
	if e.Ref != "" {
		s = s + " " + e.Ref
	}
	return s + ": " + e.Err.Error()
}

// Cause returns the error that caused this error
func (e *OpErr) Cause() error {
	return e.Err
}

// Unwrap returns the error that caused this error
func (e *OpErr) Unwrap() error {
	return e.Err
}

// IsNotExist returns a boolean indicating whether the error indicates that the
// record does not exist
func IsNotExist(err error) bool {
	return isErr(err, ErrNoSuchRecord)
}

// IsKeyConflict returns a boolean indicating whether the error indicates that
// a record already exists for the derived variant key
func IsKeyConflict(err error) bool {
	return isErr(err, ErrKeyConflict)
}

type causal interface {
	Cause() error
}

func isErr(err error, expected error) bool {
	switch pe := err.(type) {
	case nil:
		return false
	case causal:
		return isErr(pe.Cause(), expected)
	}
	return err == expected
}

type invalidRequest struct {
	field string
	value interface{}
	msg   string
}

func (e invalidRequest) Error() string {
	s := "invalid " + e.field
	if e.value != nil {
		s += fmt.Sprintf(" %q", e.value)
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	return s
}

func (e invalidRequest) InvalidParameter() {}

type invalidFilter struct {
	filter string
	value  interface{}
}

func (e invalidFilter) Error() string {
	msg := "invalid filter '" + e.filter
	if e.value != nil {
		msg += fmt.Sprintf("=%s", e.value)
	}
	return msg + "'"
}

func (e invalidFilter) InvalidParameter() {}
