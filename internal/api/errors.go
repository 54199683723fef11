package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-uzzap/internal/roomsync"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
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

func newError(status int, err error) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    lower(http.StatusText(status)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newError(http.StatusInternalServerError, err)
}

func NewForbiddenError() *ApiError {
	return newError(http.StatusForbidden, nil)
}

func NewBadGatewayError(err error) *ApiError {
	return newError(http.StatusBadGateway, err)
}

// errorFor maps a component error to the response sent to the view layer.
func errorFor(err error) *ApiError {
	switch roomsync.Classify(err) {
	case roomsync.KindInvalid:
		e := NewBadRequestError()
		e.Err = err
		return e
	case roomsync.KindNotFound:
		return NewNotFoundError()
	case roomsync.KindPermissionDenied:
		return NewForbiddenError()
	case roomsync.KindNetwork:
		return NewBadGatewayError(err)
	default:
		return NewInternalServerError(err)
	}
}
