package consume

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/queueworks/intake/config"
	"github.com/queueworks/intake/internal/rabbitmq"
	"github.com/queueworks/intake/metrics"
)

// brokerChannel is the slice of amqp.Channel the binding drives. Tests
// substitute an in-memory implementation.
type brokerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// QueueBinding declares a queue and subscribes exactly one dispatcher to
// it. After a reconnect it tears the subscription down and recreates it
// with the same handler. Deliveries are dispatched by a single goroutine
// so receipt order is preserved without locking on the dispatch path.
type QueueBinding struct {
	supervisor  *rabbitmq.Supervisor
	openChannel func() (brokerChannel, error)
	prefetch    int
	tag         string
	logger      *slog.Logger
	collector   metrics.Collector

	mu         sync.Mutex
	desc       config.QueueDescriptor
	dispatcher *DeliveryDispatcher
	queueName  string
	channel    brokerChannel
	bindCtx    context.Context
	cancel     context.CancelFunc
	bound      bool
}

// BindingOption configures the QueueBinding.
type BindingOption func(*QueueBinding)

// WithPrefetch sets the channel prefetch count.
func WithPrefetch(count int) BindingOption {
	return func(b *QueueBinding) {
		b.prefetch = count
	}
}

// WithConsumerTag sets the consumer tag.
func WithConsumerTag(tag string) BindingOption {
	return func(b *QueueBinding) {
		b.tag = tag
	}
}

// WithBindingLogger sets the logger.
func WithBindingLogger(logger *slog.Logger) BindingOption {
	return func(b *QueueBinding) {
		b.logger = logger
	}
}

// WithBindingMetrics sets the metrics collector.
func WithBindingMetrics(collector metrics.Collector) BindingOption {
	return func(b *QueueBinding) {
		b.collector = collector
	}
}

// NewQueueBinding creates a binding on the given supervisor.
func NewQueueBinding(supervisor *rabbitmq.Supervisor, options ...BindingOption) *QueueBinding {
	b := &QueueBinding{
		supervisor: supervisor,
		prefetch:   10,
		tag:        fmt.Sprintf("intake-%s", uuid.New().String()),
		logger:     slog.Default(),
		collector:  metrics.NoOp{},
	}

	for _, opt := range options {
		opt(b)
	}

	b.openChannel = func() (brokerChannel, error) {
		ch, err := b.supervisor.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	return b
}

// Bind declares the queue described by desc and subscribes the dispatcher
// built around handler. It returns the resolved queue name, which differs
// from desc.Name when the broker assigns one. A binding holds at most one
// subscription.
func (b *QueueBinding) Bind(ctx context.Context, desc config.QueueDescriptor, handler Handler, options ...DispatcherOption) (string, error) {
	dispatcher, err := NewDeliveryDispatcher(handler, options...)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound {
		return "", &BindError{
			Queue:     desc.Name,
			Op:        "bind",
			Err:       ErrAlreadyBound,
			Timestamp: time.Now(),
		}
	}

	b.desc = desc
	b.dispatcher = dispatcher
	b.bindCtx = ctx

	if err := b.subscribe(ctx); err != nil {
		return "", err
	}

	b.bound = true
	b.supervisor.AddStateListener(b)

	b.logger.Info("bound to queue",
		"queue", b.queueName,
		"requestedName", desc.Name,
		"consumerTag", b.tag,
		"prefetch", b.prefetch)

	return b.queueName, nil
}

// subscribe opens a channel, declares the queue, and starts the dispatch
// goroutine. Callers hold b.mu.
func (b *QueueBinding) subscribe(ctx context.Context) error {
	ch, err := b.openChannel()
	if err != nil {
		return &BindError{Queue: b.desc.Name, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return &BindError{Queue: b.desc.Name, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	queue, err := ch.QueueDeclare(
		b.desc.Name,
		b.desc.Durable,
		b.desc.AutoDelete,
		b.desc.Exclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return &BindError{Queue: b.desc.Name, Op: "declare queue", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue.Name,
		b.tag,
		false, // manual acknowledgment
		b.desc.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return &BindError{Queue: queue.Name, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	loopCtx, cancel := context.WithCancel(ctx)

	b.channel = ch
	b.queueName = queue.Name
	b.cancel = cancel

	go b.dispatchLoop(loopCtx, queue.Name, deliveries)

	return nil
}

// dispatchLoop processes deliveries strictly in receipt order, one at a
// time. It exits when the context is cancelled or the delivery channel
// closes (connection drop; OnConnected re-subscribes).
func (b *QueueBinding) dispatchLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-deliveries:
			if !ok {
				b.logger.Warn("delivery channel closed", "queue", queue)
				return
			}

			delivery := fromAMQP(raw)
			b.collector.DeliveryReceived(queue)

			decision := b.dispatcher.Dispatch(ctx, delivery)
			b.settle(queue, delivery, decision)
		}
	}
}

// settle forwards the acknowledgment decision to the broker.
func (b *QueueBinding) settle(queue string, delivery Delivery, decision AckDecision) {
	var err error
	switch decision {
	case Ack:
		err = delivery.ack()
	case NackRequeue:
		err = delivery.nack(true)
	case NackDiscard:
		err = delivery.nack(false)
	}

	if err != nil {
		b.logger.Error("failed to settle delivery",
			"deliveryTag", delivery.Tag,
			"decision", decision.String(),
			"error", err)
		return
	}

	b.collector.DeliverySettled(queue, decision.String())
}

// Unbind cancels the subscription and releases the channel. Safe to call
// multiple times.
func (b *QueueBinding) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.bound {
		return nil
	}
	b.bound = false

	b.supervisor.RemoveStateListener(b)
	b.teardown()

	b.logger.Info("unbound from queue", "queue", b.queueName)
	return nil
}

// teardown stops the dispatch goroutine and closes the channel. Callers
// hold b.mu.
func (b *QueueBinding) teardown() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}

	if b.channel != nil && !b.channel.IsClosed() {
		if err := b.channel.Cancel(b.tag, false); err != nil {
			b.logger.Warn("failed to cancel consumer", "consumerTag", b.tag, "error", err)
		}
		if err := b.channel.Close(); err != nil {
			b.logger.Warn("failed to close channel", "error", err)
		}
	}
	b.channel = nil
}

// Queue returns the resolved queue name, empty before Bind succeeds.
func (b *QueueBinding) Queue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueName
}

// OnConnected implements rabbitmq.StateListener. After a drop it recreates
// the subscription with the same handler. Listener notifications run on
// independent goroutines, so the connected notification can arrive before
// the matching disconnect; the channel's own closed state decides whether
// a rebind is due, never the notification order.
func (b *QueueBinding) OnConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.bound {
		return
	}
	if b.channel != nil && !b.channel.IsClosed() {
		return
	}

	b.teardown()

	if err := b.subscribe(b.bindCtx); err != nil {
		b.logger.Error("failed to re-bind after reconnect",
			"queue", b.desc.Name,
			"error", err)
		return
	}

	b.logger.Info("re-bound after reconnect", "queue", b.queueName)
}

// OnDisconnected implements rabbitmq.StateListener.
func (b *QueueBinding) OnDisconnected(err error) {
	b.logger.Warn("subscription lost with connection", "queue", b.Queue(), "error", err)
}

// OnReconnecting implements rabbitmq.StateListener.
func (b *QueueBinding) OnReconnecting(attempt int) {
	b.logger.Debug("waiting for reconnect", "queue", b.desc.Name, "attempt", attempt)
}
