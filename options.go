package intake

import (
	"log/slog"
	"time"

	"github.com/queueworks/intake/consume"
	"github.com/queueworks/intake/internal/backoff"
	"github.com/queueworks/intake/metrics"
)

const (
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultPrefetch     = 10
)

type clientOptions struct {
	logger      *slog.Logger
	policy      backoff.Policy
	prefetch    int
	onError     consume.AckDecision
	collector   metrics.Collector
	consumerTag string
}

// ClientOption configures the Client.
type ClientOption func(*clientOptions)

// WithClientLogger sets the logger used by all components.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithBackoffPolicy sets the reconnection backoff policy.
func WithBackoffPolicy(policy backoff.Policy) ClientOption {
	return func(o *clientOptions) {
		o.policy = policy
	}
}

// WithReconnect configures the default exponential backoff: initial
// delay, delay cap, and attempt ceiling.
func WithReconnect(initial, max time.Duration, maxAttempts int) ClientOption {
	return func(o *clientOptions) {
		o.policy = backoff.NewExponential(initial, max, 2.0, maxAttempts)
	}
}

// WithPrefetchCount sets the channel prefetch count.
func WithPrefetchCount(count int) ClientOption {
	return func(o *clientOptions) {
		o.prefetch = count
	}
}

// WithOnErrorDecision sets the ack decision applied when the handler
// fails. The default is consume.NackRequeue.
func WithOnErrorDecision(decision consume.AckDecision) ClientOption {
	return func(o *clientOptions) {
		o.onError = decision
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) ClientOption {
	return func(o *clientOptions) {
		o.collector = collector
	}
}

// WithConsumerTag overrides the generated consumer tag.
func WithConsumerTag(tag string) ClientOption {
	return func(o *clientOptions) {
		o.consumerTag = tag
	}
}
