package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the HTTP layer can pick a status code.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	KindUpstreamError       ErrorKind = "upstream_error"
	KindSerialization       ErrorKind = "serialization"
	KindInternal            ErrorKind = "internal"
)

type Error struct {
	Kind ErrorKind
	// Status is the upstream HTTP status for KindUpstreamError.
	Status int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// UpstreamStatus returns the upstream status carried by err, if any.
func UpstreamStatus(err error) (int, bool) {
	var de *Error
	if errors.As(err, &de) && de.Status != 0 {
		return de.Status, true
	}
	return 0, false
}
