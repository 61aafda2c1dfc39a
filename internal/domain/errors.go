package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrMalformedRequest = errors.New("malformed request")
	ErrClient           = errors.New("client error")
	ErrNetwork          = errors.New("network error")

	ErrPending        = errors.New("value is still pending")
	ErrPanicked       = errors.New("recovered from panic")
	ErrUnexpectedType = errors.New("unexpected value type")
)

// ClientError is returned when the server rejects a request with 422 and a
// machine readable error code.
type ClientError struct {
	Code string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", ErrClient.Error(), e.Code)
}

func (e *ClientError) Is(target error) bool {
	return target == ErrClient
}
