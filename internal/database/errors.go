package database

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrNetwork      = errors.New("network unavailable")
)

// ApiError is a non-2xx response from the backend. It unwraps to the
// sentinel matching its status, if any.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(status int, code, message string) *ApiError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &ApiError{
		StatusCode: status,
		Code:       code,
		Message:    message,
		Err:        sentinelForStatus(status),
	}
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound, http.StatusNotAcceptable:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrNetwork
	default:
		return nil
	}
}

// IsStatus reports whether err wraps an ApiError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == code
	}
	return false
}
