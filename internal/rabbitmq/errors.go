package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady  = errors.New("rabbitmq: connection not ready")
	ErrConnectInProgress   = errors.New("rabbitmq: connection attempt already in progress")
	ErrMaxAttemptsExceeded = errors.New("rabbitmq: maximum connection attempts exceeded")
	ErrShuttingDown        = errors.New("rabbitmq: supervisor is shutting down")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a handshake, authentication, or network
// failure. It is retryable until the attempt ceiling is exceeded.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShutdownError represents a cleanup failure during shutdown. It is
// reported but must never block process exit.
type ShutdownError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("rabbitmq shutdown error: %s failed: %v", e.Op, e.Err)
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is worth another connection attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return false
	case errors.Is(err, ErrShuttingDown):
		return false
	}

	return true
}

// SanitizeURL strips the password from a connection URL before logging.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
