package intake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/queueworks/intake/config"
	"github.com/queueworks/intake/consume"
	"github.com/queueworks/intake/health"
	"github.com/queueworks/intake/internal/backoff"
	"github.com/queueworks/intake/internal/rabbitmq"
	"github.com/queueworks/intake/metrics"
)

// Client wires the connection supervisor, queue binding, and delivery
// dispatcher into a single-queue consumer session.
type Client struct {
	cfg        config.ConnectionConfig
	supervisor *rabbitmq.Supervisor
	binding    *consume.QueueBinding
	logger     *slog.Logger
	onError    consume.AckDecision
	queueName  string
}

// NewClient creates a client for the given broker connection. It does not
// dial; call Consume to connect and subscribe.
func NewClient(cfg config.ConnectionConfig, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := clientOptions{
		logger:      slog.Default(),
		policy:      backoff.NewExponential(defaultInitialDelay, defaultMaxDelay, 2.0, defaultMaxAttempts),
		prefetch:    defaultPrefetch,
		onError:     consume.NackRequeue,
		collector:   metrics.NoOp{},
		consumerTag: "",
	}
	for _, opt := range options {
		opt(&opts)
	}

	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("intake: failed to build TLS configuration: %w", err)
	}

	supervisor := rabbitmq.NewSupervisor(cfg.URI(),
		rabbitmq.WithTLS(tlsConfig),
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithBackoff(opts.policy),
	)
	supervisor.AddStateListener(&stateCollector{collector: opts.collector})

	bindingOpts := []consume.BindingOption{
		consume.WithPrefetch(opts.prefetch),
		consume.WithBindingLogger(opts.logger),
		consume.WithBindingMetrics(opts.collector),
	}
	if opts.consumerTag != "" {
		bindingOpts = append(bindingOpts, consume.WithConsumerTag(opts.consumerTag))
	}

	return &Client{
		cfg:        cfg,
		supervisor: supervisor,
		binding:    consume.NewQueueBinding(supervisor, bindingOpts...),
		logger:     opts.logger,
		onError:    opts.onError,
	}, nil
}

// Consume connects to the broker and binds the handler to the described
// queue. It returns the resolved queue name.
func (c *Client) Consume(ctx context.Context, desc config.QueueDescriptor, handler consume.Handler) (string, error) {
	if err := c.supervisor.Connect(ctx); err != nil {
		return "", err
	}

	name, err := c.binding.Bind(ctx, desc, handler,
		consume.WithDispatcherLogger(c.logger),
		consume.WithOnError(c.onError),
	)
	if err != nil {
		return "", err
	}

	c.queueName = name
	return name, nil
}

// Run blocks processing the connection's event stream until Shutdown is
// called or an unrecoverable error occurs.
func (c *Client) Run(ctx context.Context) error {
	return c.supervisor.Run(ctx)
}

// Shutdown unbinds the queue and closes the connection. Idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.binding.Unbind(); err != nil {
		c.logger.Warn("failed to unbind queue", "queue", c.queueName, "error", err)
	}
	return c.supervisor.Shutdown(ctx)
}

// Queue returns the resolved queue name, empty before Consume succeeds.
func (c *Client) Queue() string {
	return c.queueName
}

// HealthChecker returns a health check over the broker connection and the
// bound queue.
func (c *Client) HealthChecker() health.Checker {
	return health.NewBrokerChecker(c.supervisor, c.Queue)
}

// stateCollector bridges supervisor state changes into the metrics
// collector.
type stateCollector struct {
	collector metrics.Collector
}

func (s *stateCollector) OnConnected()             { s.collector.ConnectionUp() }
func (s *stateCollector) OnDisconnected(err error) { s.collector.ConnectionDown() }
func (s *stateCollector) OnReconnecting(attempt int) {
	s.collector.Reconnecting(attempt)
}
