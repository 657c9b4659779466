package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/jackc/pgx/v5"

	"cleanbox/internal/store"
)

// CredentialError marks a mailbox credential that cannot be used until
// the user reconnects. Retrying it only burns attempts.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return "reconnect required: " + e.Err.Error() }
func (e *CredentialError) Unwrap() error { return e.Err }

func Credential(err error) error {
	if err == nil {
		return nil
	}
	return &CredentialError{Err: err}
}

func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// PermanentError marks a failure that will not change on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	if IsCredentialError(err) {
		return false, "credential_error"
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false, "permanent_error"
	}

	// SMTP 回复码：4xx 临时，5xx 永久
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 400 && smtpErr.Code < 500 {
			return true, "smtp_transient"
		}
		return false, "smtp_permanent"
	}

	errStr := err.Error()

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || strings.Contains(errStr, "json:") {
		return false, "json_decode_error"
	}

	// Database errors
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return false, "not_found"
	}
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		// 唯一约束冲突 - 不可重试（幂等性）
		return false, "duplicate_key"
	}

	// Context timeout - 可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	// worker shutdown interrupts the attempt; it is not the target's fault
	if errors.Is(err, context.Canceled) {
		return true, "context_canceled"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "connection_error"
	}

	if strings.Contains(errStr, "circuit breaker is open") {
		return true, "circuit_open"
	}

	// 默认：未知错误可重试，由最大尝试次数兜底
	return true, "unknown_error"
}

// ShouldRetry reports whether another attempt is allowed after attemptsMade
// attempts have finished.
func ShouldRetry(attemptsMade, maxAttempts int, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return attemptsMade < maxAttempts
}
