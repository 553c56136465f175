package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// the transport could not be established or was lost
type ConnectionError struct {
	Err error
}

func NewConnectionError(err error) *ConnectionError {
	return &ConnectionError{
		Err: err,
	}
}

func (self *ConnectionError) Error() string {
	if self.Err == nil {
		return "connection lost"
	}
	return fmt.Sprintf("connection error: %s", self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// a specific request exceeded its deadline
type RequestTimeoutError struct {
	MessageId Id
	Elapsed   time.Duration
}

func (self *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", self.MessageId, self.Elapsed)
}

// the server explicitly declined the request
type ServerRejectedError struct {
	Code    string
	Message string
	Field   string
}

func (self *ServerRejectedError) Error() string {
	if self.Field != "" {
		return fmt.Sprintf("server rejected request (%s): %s (%s)", self.Code, self.Message, self.Field)
	}
	return fmt.Sprintf("server rejected request (%s): %s", self.Code, self.Message)
}

// an update's expected version did not match the server's current version.
// never retried automatically. the caller resolves by reloading or overwriting.
type VersionConflictError struct {
	EntityId        uuid.UUID
	ExpectedVersion int64
	CurrentVersion  int64
}

func (self *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict for %s: expected %d, server has %d",
		self.EntityId,
		self.ExpectedVersion,
		self.CurrentVersion,
	)
}

// rejected locally without attempting the network
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (self *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", self.RetryAfter)
}

// caught before a request is sent. never reaches the network layer.
type ValidationError struct {
	Field   string
	Message string
}

func (self *ValidationError) Error() string {
	if self.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", self.Field, self.Message)
	}
	return fmt.Sprintf("validation failed: %s", self.Message)
}

// transient failures are worth retrying: connection, timeout, and i/o class.
// validation, rejection, version conflict, circuit open, and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connectionErr *ConnectionError
	if errors.As(err, &connectionErr) {
		return true
	}
	var timeoutErr *RequestTimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// only transport/timeout-class failures count toward the breaker.
// tripping on validation errors or cancellations would lock out
// legitimate traffic after a burst of bad user input.
func IsCircuitFailure(err error) bool {
	return IsTransient(err)
}

var internalDetailMarkers = []string{
	"sql",
	"stack trace",
	"panic",
	"goroutine",
	"exception",
	"internal error",
}

// server messages can leak implementation details.
// anything that looks internal is replaced with a generic message.
func sanitizeServerMessage(message string) string {
	lower := strings.ToLower(message)
	for _, marker := range internalDetailMarkers {
		if strings.Contains(lower, marker) {
			return "The server could not process this request."
		}
	}
	return message
}
