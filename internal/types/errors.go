package types

import (
	"errors"
	"net/http"
)

// Kind classifies a stage failure. The set is closed; anything else is reported as an
// internal error.
type Kind string

const (
	InvalidRequest          Kind = "InvalidRequest"
	DownloadFailed          Kind = "DownloadFailed"
	ExtractionFailed        Kind = "ExtractionFailed"
	ImageUnreadable         Kind = "ImageUnreadable"
	NoFaceDetected          Kind = "NoFaceDetected"
	NoConfidentMatch        Kind = "NoConfidentMatch"
	UploadFailed            Kind = "UploadFailed"
	ReferenceSetUnavailable Kind = "ReferenceSetUnavailable"
	TriggerFailed           Kind = "TriggerFailed"
)

// Kind satisfies error so callers can write errors.Is(err, types.NoFaceDetected).
func (k Kind) Error() string { return string(k) }

// StatusCode maps a kind to the status reported to callers.
func (k Kind) StatusCode() int {
	switch k {
	case InvalidRequest:
		return http.StatusBadRequest
	case ImageUnreadable, NoFaceDetected, NoConfidentMatch:
		return http.StatusUnprocessableEntity
	case DownloadFailed, UploadFailed, TriggerFailed:
		return http.StatusBadGateway
	case ReferenceSetUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StageError carries the kind, the operation that failed and the underlying cause.
type StageError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StageError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail wraps err with a kind. An error that is already classified keeps its kind.
func Fail(kind Kind, op string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
