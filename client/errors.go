package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
)

var (
	ErrNotFound        = errors.New("payload not found")
	ErrUnrecoverable   = errors.New("payload is unrecoverable")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("ip address not permitted")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnavailable     = errors.New("service unavailable")
)

// ErrRateLimited is returned on HTTP 429. withRetries sleeps for RetryAfter
// and tries again.
type ErrRateLimited struct {
	Message    string
	RetryAfter time.Duration
	Limit      int
	Burst      int
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %v)", e.Message, e.RetryAfter)
}

// ErrGone carries the reconstruction report for a payload that expired or
// lost its quorum. It matches ErrUnrecoverable with errors.Is.
type ErrGone struct {
	Message string
	Report  models.RetrieveReport
}

func (e *ErrGone) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnrecoverable, e.Message)
}

func (e *ErrGone) Is(target error) bool {
	return target == ErrUnrecoverable
}

// ErrServer is any other non-2xx response.
type ErrServer struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("server error (status %d): %s - %s", e.StatusCode, e.ErrorType, e.Message)
}
