package errors

import (
	"context"
	"fmt"
	"time"
)

/*
RpcError is the wire-level error shape.  Code is one of the string constants
below; Data carries structured detail such as retryAfterSeconds.
*/
type RpcError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

/*
Error implements the error interface for RpcError.
*/
func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %s: %s", e.Code, e.Message)
}

// Wire error codes.  Everything a client can receive is one of these.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Convenience errors.  Handlers return these directly or derive copies via
// WithMessagef / WithData; the shared values are never mutated.
var (
	ErrUnauthorized     = &RpcError{Code: CodeUnauthorized, Message: "Authentication required"}
	ErrInvalidParams    = &RpcError{Code: CodeInvalidParams, Message: "Invalid params"}
	ErrMethodNotFound   = &RpcError{Code: CodeMethodNotFound, Message: "Method not found"}
	ErrTaskNotFound     = &RpcError{Code: CodeNotFound, Message: "Task not found"}
	ErrSessionNotFound  = &RpcError{Code: CodeUnauthorized, Message: "Session invalid or expired"}
	ErrConflict         = &RpcError{Code: CodeConflict, Message: "Operation conflicts with current state"}
	ErrRateLimited      = &RpcError{Code: CodeRateLimited, Message: "Rate limit exceeded"}
	ErrValidationFailed = &RpcError{Code: CodeValidationFailed, Message: "Validation failed"}
	ErrInternal         = &RpcError{Code: CodeInternal, Message: "Internal error"}
)

// WithMessagef creates a *copy* of an RpcError with a formatted message.
// It does not modify the original error variable.
func (e *RpcError) WithMessagef(format string, args ...any) *RpcError {
	newErr := *e // shallow copy keeps the shared value untouched
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

// WithData creates a copy of an RpcError carrying one structured detail
// entry, preserving entries already present.
func (e *RpcError) WithData(key string, value any) *RpcError {
	newErr := *e
	newErr.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		newErr.Data[k] = v
	}
	newErr.Data[key] = value
	return &newErr
}

// RateLimited builds the RATE_LIMITED error with its mandatory
// retryAfterSeconds detail.
func RateLimited(retryAfter time.Duration) *RpcError {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return ErrRateLimited.WithData("retryAfterSeconds", secs)
}

// Validation wraps a sanitizer rejection: the reason is surfaced verbatim,
// state is guaranteed untouched by the caller contract.
func Validation(reason string) *RpcError {
	return ErrValidationFailed.WithMessagef("%s", reason)
}

// Internal shields callers from arbitrary internal errors: the cause is for
// the log line, the wire shape stays generic.
func Internal(err error) *RpcError {
	if err == nil {
		return ErrInternal
	}
	if rpcErr, ok := err.(*RpcError); ok {
		return rpcErr
	}
	return ErrInternal
}

// RetryConfig bounds a Retry loop.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig suits short boot-time dependency waits.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
}

/*
Retry runs fn until it returns nil or the attempt budget is spent, with the
delay growing by BackoffFactor between tries.  The context cancels the wait
between attempts, not a running fn.
*/
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts, last error: %w", cfg.MaxAttempts, err)
}
