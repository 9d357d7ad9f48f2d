package lims

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the remote entity does not exist (HTTP 404).
	ErrNotFound = errors.New("remote entity not found")
	// ErrRateLimited indicates retries were exhausted against HTTP 429.
	ErrRateLimited = errors.New("rate limited by remote API")
	// ErrAuthExhausted indicates re-authentication retries were exhausted.
	ErrAuthExhausted = errors.New("authentication retries exhausted")
)

// StatusError is an HTTP response the client does not retry.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}
