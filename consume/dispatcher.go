package consume

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one delivery. A nil return acknowledges the message;
// an error maps to the dispatcher's on-error decision.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// AckDecision is the acknowledgment verdict for one delivery.
type AckDecision int

const (
	// Ack marks the message processed.
	Ack AckDecision = iota
	// NackRequeue returns the message to the queue for redelivery.
	NackRequeue
	// NackDiscard drops the message (or dead-letters it if the queue is
	// configured for that).
	NackDiscard
)

func (d AckDecision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return "unknown"
	}
}

// DeliveryDispatcher invokes the user handler synchronously, one delivery
// at a time, and maps the outcome to an AckDecision. It never decides Ack
// before the handler has returned.
type DeliveryDispatcher struct {
	handler Handler
	onError AckDecision
	logger  *slog.Logger
}

// DispatcherOption configures the DeliveryDispatcher.
type DispatcherOption func(*DeliveryDispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *DeliveryDispatcher) {
		d.logger = logger
	}
}

// WithOnError sets the decision applied when the handler fails.
// NackRequeue (the default) avoids silent message loss; NackDiscard suits
// poison-message scenarios.
func WithOnError(decision AckDecision) DispatcherOption {
	return func(d *DeliveryDispatcher) {
		d.onError = decision
	}
}

// NewDeliveryDispatcher creates a dispatcher for the given handler.
func NewDeliveryDispatcher(handler Handler, options ...DispatcherOption) (*DeliveryDispatcher, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	d := &DeliveryDispatcher{
		handler: handler,
		onError: NackRequeue,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.onError != NackRequeue && d.onError != NackDiscard {
		return nil, fmt.Errorf("consume: on-error decision must be NackRequeue or NackDiscard, got %s", d.onError)
	}

	return d, nil
}

// Dispatch invokes the handler for one delivery and returns the
// acknowledgment decision.
func (d *DeliveryDispatcher) Dispatch(ctx context.Context, delivery Delivery) AckDecision {
	err := d.invoke(ctx, delivery)
	if err == nil {
		return Ack
	}

	d.logger.Error("handler failed",
		"deliveryTag", delivery.Tag,
		"routingKey", delivery.RoutingKey,
		"decision", d.onError.String(),
		"error", err)

	return d.onError
}

// invoke runs the handler with panic containment.
func (d *DeliveryDispatcher) invoke(ctx context.Context, delivery Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Tag:       delivery.Tag,
				Err:       fmt.Errorf("%v", r),
				Panicked:  true,
				Timestamp: time.Now(),
			}
		}
	}()

	return d.handler.Handle(ctx, delivery)
}
