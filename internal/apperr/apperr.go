// Package apperr carries the error taxonomy shared by the tile store, the batch
// jobs and the HTTP layer.
package apperr

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindIntegrityMismatch Kind = "integrity-mismatch"
	KindMalformedRecord   Kind = "malformed-record"
	KindNotFound          Kind = "not-found"
	KindBatchFailure      Kind = "batch-failure"
	KindDatastore         Kind = "datastore"
)

// Error is a classified error with optional context returned to callers.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrMalformed  = &Error{Kind: KindMalformedRecord}
	ErrDatastore  = &Error{Kind: KindDatastore}
	ErrBatch      = &Error{Kind: KindBatchFailure}
)

func newError(kind Kind, msg string, err error, kv []any) *Error {
	e := &Error{Kind: kind, Message: msg, Err: err}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[key] = kv[i+1]
		}
	}
	return e
}

// Validation rejects a request before any datastore access.
func Validation(msg string, kv ...any) *Error {
	return newError(KindValidation, msg, nil, kv)
}

// NotFound reports that a direct-lookup key matched nothing.
func NotFound(msg string, kv ...any) *Error {
	return newError(KindNotFound, msg, nil, kv)
}

// Malformed marks an import record that failed structural checks.
func Malformed(msg string, kv ...any) *Error {
	return newError(KindMalformedRecord, msg, nil, kv)
}

// Mismatch reports a caller-supplied aggregate that disagrees with the recomputed one.
func Mismatch(msg string, kv ...any) *Error {
	return newError(KindIntegrityMismatch, msg, nil, kv)
}

// Batch wraps the failure of one unit of a batch job.
func Batch(unit string, err error) *Error {
	return newError(KindBatchFailure, unit, err, nil)
}

// Datastore wraps a connection or query failure. sql.ErrNoRows becomes NotFound.
func Datastore(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindNotFound, Message: "no matching record", Err: err}
	}
	return &Error{Kind: KindDatastore, Message: "datastore failure", Err: err}
}

// KindOf returns the kind of err, KindDatastore for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindDatastore
}

// HTTPStatus maps an error onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindMalformedRecord:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
