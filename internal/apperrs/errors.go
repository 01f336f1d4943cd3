package apperrs

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindClient Kind = "client"
	KindServer Kind = "server"
)

// Codes shared across packages. Most codes are passed inline where they are raised,
// they end up in the i18n_code field of the response.
const (
	CodeInternalError  = "internal_error"
	CodeInstanceExists = "instance_exists"
	CodeStackExists    = "stack_exists"
	CodeNotFound       = "instance_not_found"
	CodeGitlabHTTP     = "gitlab_http_error"
)

type Error struct {
	Kind   Kind
	Status int
	Code   string
	Msg    string
	Meta   map[string]any
	Err    error // wrapped error
}

func (e *Error) SetMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client builds a validation error surfaced to the caller as-is.
func Client(status int, code, msg string) *Error {
	return &Error{
		Kind:   KindClient,
		Status: status,
		Code:   code,
		Msg:    msg,
	}
}

func BadRequest(code, msg string) *Error {
	return Client(http.StatusBadRequest, code, msg)
}

func NotFound(code, msg string) *Error {
	return Client(http.StatusNotFound, code, msg)
}

func Conflict(code, msg string) *Error {
	return Client(http.StatusConflict, code, msg)
}

func Server(msg string, err error) *Error {
	return &Error{
		Kind:   KindServer,
		Status: http.StatusInternalServerError,
		Code:   CodeInternalError,
		Msg:    msg,
		Err:    err,
	}
}

func CodeIs(err error, code string) bool {
	var appErr *Error
	if ok := errors.As(err, &appErr); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the i18n code of err, or CodeInternalError for untyped errors.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// StatusOf returns the HTTP status carried by err, 500 for untyped errors.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
