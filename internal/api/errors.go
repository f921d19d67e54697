package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/roomsync/internal/types"
)

type ApiError struct {
	StatusCode int             `json:"status_code"`
	Kind       types.ErrorKind `json:"kind,omitempty"`
	Message    string          `json:"message"`
	Err        error           `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Kind:       types.KindValidation,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Kind:       types.KindInternal,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

// NewApiErrorFromErr converts a procedure failure into the HTTP error body.
// Errors without a kind hide their detail behind a generic internal error.
func NewApiErrorFromErr(err error) *ApiError {
	var e *types.Error
	if !errors.As(err, &e) || e.Kind == types.KindInternal {
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: e.Kind.StatusCode(),
		Kind:       e.Kind,
		Message:    e.Message,
		Err:        err,
	}
}
