package consume

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/intake/config"
	"github.com/queueworks/intake/internal/rabbitmq"
)

// fakeBroker is an in-memory stand-in for one broker queue. It implements
// amqp.Acknowledger: acked messages leave the queue, nack-requeue puts
// them back on the delivery stream as redelivered, nack-discard drops
// them.
type fakeBroker struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	unsettled  map[uint64]amqp.Delivery
	nextTag    uint64
	discarded  [][]byte
}

func newFakeBroker(buffer int) *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan amqp.Delivery, buffer),
		unsettled:  make(map[uint64]amqp.Delivery),
	}
}

func (f *fakeBroker) publish(exchange, routingKey string, body []byte) {
	f.deliveries <- f.track(amqp.Delivery{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
	})
}

func (f *fakeBroker) track(d amqp.Delivery) amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextTag++
	d.DeliveryTag = f.nextTag
	d.Acknowledger = f
	f.unsettled[d.DeliveryTag] = d
	return d
}

func (f *fakeBroker) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unsettled, tag)
	return nil
}

func (f *fakeBroker) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	d, ok := f.unsettled[tag]
	delete(f.unsettled, tag)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	if requeue {
		d.Redelivered = true
		f.deliveries <- f.track(d)
		return nil
	}

	f.mu.Lock()
	f.discarded = append(f.discarded, d.Body)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

// depth reports how many messages the broker still holds for the queue.
func (f *fakeBroker) depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsettled)
}

func (f *fakeBroker) discardedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.discarded)
}

// testBinding builds a binding wired to the given handler, bypassing the
// broker subscription so dispatchLoop can be driven directly.
func testBinding(t *testing.T, handler Handler, options ...DispatcherOption) *QueueBinding {
	t.Helper()

	dispatcher, err := NewDeliveryDispatcher(handler, options...)
	require.NoError(t, err)

	b := NewQueueBinding(nil)
	b.dispatcher = dispatcher
	return b
}

func TestDispatchLoop(t *testing.T) {
	t.Run("invokes the handler exactly once per delivery in receipt order", func(t *testing.T) {
		var seen [][]byte
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			seen = append(seen, d.Body)
			return nil
		})

		broker := newFakeBroker(8)
		for _, body := range []string{"one", "two", "three", "four", "five"} {
			broker.publish("", "jobs", []byte(body))
		}
		close(broker.deliveries)

		b := testBinding(t, handler)
		b.dispatchLoop(context.Background(), "jobs", broker.deliveries)

		require.Len(t, seen, 5)
		assert.Equal(t, [][]byte{
			[]byte("one"), []byte("two"), []byte("three"), []byte("four"), []byte("five"),
		}, seen)
		assert.Equal(t, 0, broker.depth())
	})

	t.Run("failed delivery is requeued and redelivered before completion", func(t *testing.T) {
		var mu sync.Mutex
		var attempts int
		var sawRedelivery bool

		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if !d.Redelivered {
				return errors.New("transient failure")
			}
			sawRedelivery = true
			return nil
		})

		broker := newFakeBroker(8)
		broker.publish("", "jobs", []byte("retry me"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := testBinding(t, handler)

		done := make(chan struct{})
		go func() {
			defer close(done)
			b.dispatchLoop(ctx, "jobs", broker.deliveries)
		}()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return sawRedelivery && broker.depth() == 0
		}, time.Second, 5*time.Millisecond)

		cancel()
		<-done

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 0, broker.discardedCount())
	})

	t.Run("discard decision drops the message without redelivery", func(t *testing.T) {
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			return errors.New("poison message")
		})

		broker := newFakeBroker(8)
		broker.publish("", "jobs", []byte{0xde, 0xad})
		close(broker.deliveries)

		b := testBinding(t, handler, WithOnError(NackDiscard))
		b.dispatchLoop(context.Background(), "jobs", broker.deliveries)

		assert.Equal(t, 0, broker.depth())
		assert.Equal(t, 1, broker.discardedCount())
	})

	t.Run("deliveries after a drop are dispatched exactly once", func(t *testing.T) {
		var seen [][]byte
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			seen = append(seen, d.Body)
			return nil
		})

		b := testBinding(t, handler)

		// First session: two deliveries, then the connection drops (the
		// delivery channel closes).
		broker := newFakeBroker(8)
		broker.publish("", "jobs", []byte("m1"))
		broker.publish("", "jobs", []byte("m2"))
		close(broker.deliveries)
		b.dispatchLoop(context.Background(), "jobs", broker.deliveries)

		require.Equal(t, 0, broker.depth(), "acked deliveries must not survive the drop")

		// Second session after the rebind: the broker only redelivers what
		// was never acked.
		broker.deliveries = make(chan amqp.Delivery, 8)
		broker.publish("", "jobs", []byte("m3"))
		broker.publish("", "jobs", []byte("m4"))
		close(broker.deliveries)
		b.dispatchLoop(context.Background(), "jobs", broker.deliveries)

		assert.Equal(t, [][]byte{
			[]byte("m1"), []byte("m2"), []byte("m3"), []byte("m4"),
		}, seen)
		assert.Equal(t, 0, broker.depth())
	})

	t.Run("consumes a published payload end to end", func(t *testing.T) {
		var got []byte
		var calls int
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			calls++
			got = d.Body
			return nil
		})

		broker := newFakeBroker(1)
		broker.publish("", "jobs", []byte{0x01, 0x02})
		close(broker.deliveries)

		b := testBinding(t, handler)
		b.dispatchLoop(context.Background(), "jobs", broker.deliveries)

		assert.Equal(t, 1, calls)
		assert.Equal(t, []byte{0x01, 0x02}, got)
		assert.Equal(t, 0, broker.depth(), "queue must be empty after the ack")
	})
}

// fakeChannel is an in-memory brokerChannel recording the subscription
// calls the binding makes. drop simulates the connection dying under it.
type fakeChannel struct {
	mu          sync.Mutex
	deliveries  chan amqp.Delivery
	closed      bool
	declared    string
	consumerTag string
	cancelled   bool
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = name
	if name == "" {
		name = "amq.gen-fake"
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumerTag = consumer
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func (c *fakeChannel) Close() error {
	c.drop()
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
}

func (c *fakeChannel) tag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumerTag
}

// fakeChannelSource hands out fakeChannels in the binding's openChannel
// seam, one per subscription.
type fakeChannelSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (s *fakeChannelSource) open() (brokerChannel, error) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeChannelSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *fakeChannelSource) last() *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[len(s.channels)-1]
}

// boundBinding subscribes the handler through a fake channel source.
func boundBinding(t *testing.T, handler Handler) (*QueueBinding, *fakeChannelSource) {
	t.Helper()

	source := &fakeChannelSource{}
	b := NewQueueBinding(rabbitmq.NewSupervisor("amqp://localhost:5672/"))
	b.openChannel = source.open

	name, err := b.Bind(context.Background(), config.QueueDescriptor{Name: "jobs"}, handler)
	require.NoError(t, err)
	require.Equal(t, "jobs", name)
	require.Equal(t, 1, source.count())
	t.Cleanup(func() { _ = b.Unbind() })

	return b, source
}

func TestRebind(t *testing.T) {
	t.Run("recreates the subscription with the same handler after a drop", func(t *testing.T) {
		var handled atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			handled.Add(1)
			return nil
		})

		b, source := boundBinding(t, handler)

		first := source.last()
		first.deliveries <- amqp.Delivery{RoutingKey: "jobs", Body: []byte("before")}
		require.Eventually(t, func() bool { return handled.Load() == 1 },
			time.Second, 5*time.Millisecond)

		first.drop()
		b.OnDisconnected(errors.New("connection reset by peer"))
		b.OnConnected()

		require.Equal(t, 2, source.count(), "reconnect must open a fresh subscription")
		second := source.last()
		assert.Equal(t, first.tag(), second.tag(), "consumer tag survives the rebind")

		second.deliveries <- amqp.Delivery{RoutingKey: "jobs", Body: []byte("after")}
		require.Eventually(t, func() bool { return handled.Load() == 2 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("rebinds when the connected notification outruns the disconnect", func(t *testing.T) {
		var handled atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
			handled.Add(1)
			return nil
		})

		b, source := boundBinding(t, handler)
		source.last().drop()

		// Listener notifications run on independent goroutines, so the
		// connected callback can land before the matching disconnect.
		b.OnConnected()

		require.Equal(t, 2, source.count())
		second := source.last()

		second.deliveries <- amqp.Delivery{RoutingKey: "jobs", Body: []byte("late")}
		require.Eventually(t, func() bool { return handled.Load() == 1 },
			time.Second, 5*time.Millisecond)

		// The straggling disconnect must not disturb the new subscription.
		b.OnDisconnected(errors.New("connection reset by peer"))
		assert.Equal(t, 2, source.count())
		assert.False(t, second.IsClosed())
	})

	t.Run("ignores reconnects while the subscription is healthy", func(t *testing.T) {
		b, source := boundBinding(t, noopHandler())

		b.OnConnected()

		assert.Equal(t, 1, source.count())
	})

	t.Run("does not resubscribe after unbind", func(t *testing.T) {
		b, source := boundBinding(t, noopHandler())

		require.NoError(t, b.Unbind())
		b.OnConnected()

		assert.Equal(t, 1, source.count())
		assert.True(t, source.last().cancelled)
	})
}

func TestBind(t *testing.T) {
	t.Run("rejects nil handler", func(t *testing.T) {
		b := NewQueueBinding(nil)

		_, err := b.Bind(context.Background(), config.QueueDescriptor{Name: "jobs"}, nil)
		assert.ErrorIs(t, err, ErrNilHandler)
	})

	t.Run("rejects a second subscription", func(t *testing.T) {
		b := NewQueueBinding(nil)
		b.bound = true

		_, err := b.Bind(context.Background(), config.QueueDescriptor{Name: "jobs"}, noopHandler())

		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.ErrorIs(t, err, ErrAlreadyBound)
		assert.Equal(t, "jobs", bindErr.Queue)
	})
}

func TestUnbind(t *testing.T) {
	t.Run("is a no-op when never bound", func(t *testing.T) {
		b := NewQueueBinding(nil)
		assert.NoError(t, b.Unbind())
	})

	t.Run("is idempotent", func(t *testing.T) {
		b := NewQueueBinding(nil)
		assert.NoError(t, b.Unbind())
		assert.NoError(t, b.Unbind())
	})
}

func TestSettle(t *testing.T) {
	t.Run("tolerates a delivery without an acknowledger", func(t *testing.T) {
		b := NewQueueBinding(nil)

		assert.NotPanics(t, func() {
			b.settle("jobs", Delivery{Tag: 1}, Ack)
		})
	})
}
