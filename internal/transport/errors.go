package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// StatusError is a reply with an unsuccessful status
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.Status)
}

// NoResponseError is a request that was sent but never answered
type NoResponseError struct {
	Err error
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("no response: %s", e.Err.Error())
}

func (e *NoResponseError) Unwrap() error {
	return e.Err
}

// classify maps a failed attempt to the error the caller observes. Errors that
// must not be retried are marked permanent.
func classify(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusNotFound:
			return backoff.Permanent(domain.ErrNotFound)
		case http.StatusUnauthorized:
			return backoff.Permanent(domain.ErrUnauthorized)
		case http.StatusForbidden:
			return backoff.Permanent(domain.ErrForbidden)
		case http.StatusBadRequest:
			return backoff.Permanent(domain.ErrMalformedRequest)
		case http.StatusUnprocessableEntity:
			var body struct {
				Code any `json:"code"`
			}
			if json.Unmarshal(statusErr.Body, &body) == nil {
				if code, ok := body.Code.(string); ok {
					return backoff.Permanent(&domain.ClientError{Code: code})
				}
			}
		}

		networkErr := fmt.Errorf("%w: server error: %d", domain.ErrNetwork, statusErr.Status)
		if statusErr.Status < 500 {
			return backoff.Permanent(networkErr)
		}
		return networkErr
	}

	var noResponseErr *NoResponseError
	if errors.As(err, &noResponseErr) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, noResponseErr.Err)
	}

	return backoff.Permanent(err)
}
