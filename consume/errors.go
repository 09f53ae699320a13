package consume

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyBound  = errors.New("consume: binding already has an active subscription")
	ErrNilHandler    = errors.New("consume: handler cannot be nil")
	ErrNotSettleable = errors.New("consume: delivery has no acknowledger")
)

// BindError represents a queue declare or subscribe failure.
type BindError struct {
	Queue     string    // Requested queue name (may be empty)
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *BindError) Error() string {
	return fmt.Sprintf("consume bind error: %s failed for queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure inside the user handler, including a
// recovered panic. It is contained per message and never terminates the
// dispatch loop.
type HandlerError struct {
	Queue     string
	Tag       uint64
	Err       error
	Panicked  bool
	Timestamp time.Time
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("consume handler error: panic processing delivery %d on queue %q: %v", e.Tag, e.Queue, e.Err)
	}
	return fmt.Sprintf("consume handler error: delivery %d on queue %q: %v", e.Tag, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
