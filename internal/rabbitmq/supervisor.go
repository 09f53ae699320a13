package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/queueworks/intake/internal/backoff"
)

// State describes the supervisor's connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// StateListener receives connection state change notifications.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Supervisor owns one logical connection to the broker: it performs the
// secure handshake, watches for unexpected closes, and redials with
// backoff until the attempt ceiling is exceeded.
type Supervisor struct {
	url         string
	tlsConfig   *tls.Config
	policy      backoff.Policy
	dialTimeout time.Duration
	logger      *slog.Logger

	dial func() (*amqp.Connection, error)

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	state       State

	done      chan struct{}
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// SupervisorOption configures the Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithTLS sets the TLS configuration used for the handshake. A nil config
// dials in the clear.
func WithTLS(cfg *tls.Config) SupervisorOption {
	return func(s *Supervisor) {
		s.tlsConfig = cfg
	}
}

// WithBackoff sets the reconnection backoff policy.
func WithBackoff(policy backoff.Policy) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.dialTimeout = timeout
	}
}

// NewSupervisor creates a supervisor for the given connection URL.
func NewSupervisor(url string, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:         url,
		policy:      backoff.NewExponential(1*time.Second, 30*time.Second, 2.0, 10),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		state:       Disconnected,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	s.dial = func() (*amqp.Connection, error) {
		return amqp.DialConfig(s.url, amqp.Config{
			TLSClientConfig: s.tlsConfig,
			Dial:            amqp.DefaultDial(s.dialTimeout),
		})
	}

	return s
}

// Connect establishes the initial connection, retrying with backoff up to
// the policy's attempt ceiling. Exceeding the ceiling surfaces a fatal
// *ConnectionError.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	case ShuttingDown:
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.state = Connecting
	s.mu.Unlock()

	return s.establish(ctx, "connect")
}

// establish runs the dial-with-backoff loop shared by Connect and the
// reconnect path.
func (s *Supervisor) establish(ctx context.Context, op string) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-s.done:
			return ErrShuttingDown
		case <-ctx.Done():
			s.setState(Disconnected)
			return ctx.Err()
		default:
		}

		if max := s.policy.MaxAttempts(); max > 0 && attempt >= max {
			s.setState(Disconnected)
			err := &ConnectionError{
				Op:        op,
				URL:       SanitizeURL(s.url),
				Err:       ErrMaxAttemptsExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			s.logger.Error("connection attempts exhausted",
				"op", op,
				"attempts", attempt,
				"lastError", lastErr)
			return err
		}

		if attempt > 0 {
			delay := s.policy.NextDelay(attempt - 1)
			s.logger.Info("waiting before next connection attempt",
				"op", op,
				"attempt", attempt+1,
				"delay", delay)
			s.notifyReconnecting(attempt + 1)

			if err := s.sleep(ctx, delay); err != nil {
				// setState leaves ShuttingDown in place.
				s.setState(Disconnected)
				return err
			}
		}

		conn, err := s.dial()
		if err != nil {
			lastErr = err
			s.logger.Error("connection attempt failed",
				"op", op,
				"attempt", attempt+1,
				"error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = Connected
		s.notifyClose = make(chan *amqp.Error, 1)
		conn.NotifyClose(s.notifyClose)
		s.mu.Unlock()

		s.logger.Info("connected to broker",
			"url", SanitizeURL(s.url),
			"attempts", attempt+1)
		s.notifyConnected()

		return nil
	}
}

// Run blocks processing connection lifecycle events until Shutdown is
// called or the reconnect ceiling is exceeded. It returns nil on clean
// shutdown and a fatal *ConnectionError otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.mu.RLock()
		notifyClose := s.notifyClose
		s.mu.RUnlock()

		if notifyClose == nil {
			return ErrConnectionNotReady
		}

		select {
		case <-s.done:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case amqpErr := <-notifyClose:
			select {
			case <-s.done:
				// Close raced with shutdown.
				return nil
			default:
			}

			s.mu.Lock()
			s.conn = nil
			s.state = Connecting
			s.mu.Unlock()

			s.logger.Warn("connection dropped", "error", amqpErr)
			s.notifyDisconnected(amqpErr)

			if err := s.establish(ctx, "reconnect"); err != nil {
				if err == ErrShuttingDown {
					return nil
				}
				return err
			}
		}
	}
}

// Shutdown transitions to ShuttingDown, cancels any in-flight backoff
// wait, and closes the connection. It is safe to call concurrently and
// repeatedly.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var err error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = ShuttingDown
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		close(s.done)

		if conn != nil && !conn.IsClosed() {
			if closeErr := conn.Close(); closeErr != nil {
				err = &ShutdownError{
					Op:        "close connection",
					Err:       closeErr,
					Timestamp: time.Now(),
				}
			}
		}

		s.logger.Info("supervisor shut down")
	})

	return err
}

// Channel opens a channel on the live connection.
func (s *Supervisor) Channel() (*amqp.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Connected || s.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if s.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return s.conn.Channel()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AddStateListener registers a connection state listener.
func (s *Supervisor) AddStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveStateListener removes a previously registered listener.
func (s *Supervisor) RemoveStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ShuttingDown {
		s.state = state
	}
}

// sleep waits for the backoff delay, aborting on shutdown or context
// cancellation.
func (s *Supervisor) sleep(ctx context.Context, delay time.Duration) error {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-sleepCtx.Done():
		}
	}()

	if err := backoff.Sleep(sleepCtx, delay); err != nil {
		select {
		case <-s.done:
			return ErrShuttingDown
		default:
		}
		return err
	}
	return nil
}

func (s *Supervisor) notifyConnected() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnReconnecting(attempt)
	}
}
