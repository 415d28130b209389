package exchange

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures so callers can decide between retrying,
// backing off, and giving up.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION"
	CodeInsufficientLiquidity ErrorCode = "INSUFFICIENT_LIQUIDITY"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeNetwork               ErrorCode = "NETWORK"
	CodeAuth                  ErrorCode = "AUTH"
	CodeExchange              ErrorCode = "EXCHANGE"
	CodeStreamDisconnected    ErrorCode = "STREAM_DISCONNECTED"
	CodeMaxReconnect          ErrorCode = "MAX_RECONNECT_EXCEEDED"
)

// APIError is a failure returned by the REST transport or stream layer.
type APIError struct {
	Code         ErrorCode
	HTTPStatus   int
	ExchangeCode int // exchange-native error code, 0 if absent
	Message      string
	Retryable    bool
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newAPIError(code ErrorCode, status int, msg string, retryable bool) *APIError {
	return &APIError{Code: code, HTTPStatus: status, Message: msg, Retryable: retryable}
}

// CodeOf extracts the error code, or "" for non-API errors.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func IsRateLimited(err error) bool { return CodeOf(err) == CodeRateLimited }
func IsAuthError(err error) bool   { return CodeOf(err) == CodeAuth }

// IsRetryable reports whether the failure is worth another attempt after a
// backoff. Auth failures and non-5xx exchange rejections never are.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}
