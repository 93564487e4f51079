// Package errs carries errors that know how they should be reported to a caller.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is an error with the HTTP status it maps to and optional per-field details.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%d: %s", e.Status, e.Err)
	}
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.Err, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Message string   `json:"message"`
		Details []Detail `json:"details,omitempty"`
		Status  int      `json:"status"`
	}{
		Message: e.Err.Error(),
		Details: e.Details,
		Status:  e.Status,
	})
}

// E builds an *Error from its arguments: a string or error becomes the wrapped
// error, an int the status, and Detail values are collected. Status defaults to 500.
func E(args ...any) *Error {
	ret := &Error{
		Status: http.StatusInternalServerError,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}
	if ret.Err == nil {
		ret.Err = errors.New(http.StatusText(ret.Status))
	}

	return ret
}

// Invalid is a 400 for a single bad field.
func Invalid(field, msg string) *Error {
	return E(http.StatusBadRequest, fmt.Sprintf("invalid %s", field), Detail{Field: field, Error: msg})
}

// NotFound is a 404 for the named resource.
func NotFound(format string, args ...any) *Error {
	return E(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// Conflict is a 409.
func Conflict(format string, args ...any) *Error {
	return E(http.StatusConflict, fmt.Sprintf(format, args...))
}

// StatusOf returns the status carried by err, or 500 when err is not an *Error.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
