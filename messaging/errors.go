package messaging

import (
	"fmt"
	"time"
)

// PublishError reports a failed publish. No wait is registered when a
// Request fails this way.
type PublishError struct {
	Topic string
	Err   error
}

// Error implements error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Topic, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that no matching reply arrived within the deadline.
// The outstanding wait has already been deregistered when this is returned.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for request %s within %s", e.CorrelationID, e.Timeout)
}

// InvalidKeyError reports a registry key whose type does not support
// equality comparison. This is a programmer error.
type InvalidKeyError struct {
	Key any
}

// Error implements error.
func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("registry key must be comparable, got %T", e.Key)
}
