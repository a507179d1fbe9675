package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elements-platform/elements/schema"
)

// fakeTransport records calls and lets tests inject deliveries
// directly, keeping dispatch assertions deterministic.
type fakeTransport struct {
	mu           sync.Mutex
	connectCalls int
	declareCalls int
	closed       bool
	queue        string
	patterns     []string
	published    []Message
	deliveries   chan Delivery
	consumeCtx   context.Context
	connectErr   error
	publishErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{deliveries: make(chan Delivery, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connectCalls++
	f.closed = false
	return nil
}

func (f *fakeTransport) Declare(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declareCalls++
	f.queue = queue
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeTransport) Consume(ctx context.Context, queue string, patterns []string) (<-chan Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append([]string(nil), patterns...)
	f.consumeCtx = ctx
	return f.deliveries, nil
}

func (f *fakeTransport) consumeContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumeCtx
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTransport{
		connectCalls: f.connectCalls,
		declareCalls: f.declareCalls,
		closed:       f.closed,
		queue:        f.queue,
		patterns:     append([]string(nil), f.patterns...),
		published:    append([]Message(nil), f.published...),
	}
}

func newTestBus(t *testing.T, transport Transport) *Bus {
	t.Helper()
	bus, err := New("it", Config{}, WithTransport(transport))
	require.NoError(t, err)
	return bus
}

func deliver(body []byte, routingKey string, acks, nacks *atomic.Int32, requeued *atomic.Bool) Delivery {
	return Delivery{
		RoutingKey: routingKey,
		Body:       body,
		Ack: func() error {
			acks.Add(1)
			return nil
		},
		Nack: func(requeue bool) error {
			nacks.Add(1)
			if requeued != nil {
				requeued.Store(requeue)
			}
			return nil
		},
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	require.NoError(t, bus.Connect(context.Background()))
	require.NoError(t, bus.Connect(context.Background()))

	snap := transport.snapshot()
	assert.Equal(t, 1, snap.connectCalls)
	assert.Equal(t, 1, snap.declareCalls)
	assert.Equal(t, "elements.it.events", snap.queue)
	assert.Equal(t, StateConnected, bus.State())
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErr = errors.New("broker down")
	bus := newTestBus(t, transport)

	err := bus.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateDisconnected, bus.State())
}

func TestPublishConnectsLazilyAndBuildsEnvelope(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	id, err := bus.Publish(context.Background(), schema.TypeTicketCreated, map[string]any{"ticket_id": "t-1"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateConnected, bus.State())

	snap := transport.snapshot()
	require.Len(t, snap.published, 1)
	msg := snap.published[0]
	assert.Equal(t, "it.ticket.created", msg.RoutingKey)
	assert.True(t, msg.Persistent)
	assert.Equal(t, id, msg.Headers[HeaderEventID])
	assert.NotEmpty(t, msg.Headers[HeaderCorrelationID])

	event, err := schema.Unmarshal(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, id, event.EventID)
	assert.Equal(t, "it", event.SourceModule)
	assert.Equal(t, "t-1", event.Data["ticket_id"])
}

func TestPublishGeneratesFreshCorrelationPerCall(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	_, err := bus.Publish(context.Background(), schema.TypeTicketCreated, nil, "")
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), schema.TypeTicketCreated, nil, "")
	require.NoError(t, err)

	snap := transport.snapshot()
	require.Len(t, snap.published, 2)
	c1 := snap.published[0].Headers[HeaderCorrelationID]
	c2 := snap.published[1].Headers[HeaderCorrelationID]
	assert.NotEmpty(t, c1)
	assert.NotEqual(t, c1, c2)
}

func TestPublishPropagatesCallerCorrelation(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	_, err := bus.Publish(context.Background(), schema.TypeTicketResolved, nil, "corr-chain")
	require.NoError(t, err)

	snap := transport.snapshot()
	require.Len(t, snap.published, 1)
	assert.Equal(t, "corr-chain", snap.published[0].Headers[HeaderCorrelationID])
}

func TestPublishErrorPropagates(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = errors.New("write refused")
	bus := newTestBus(t, transport)

	_, err := bus.Publish(context.Background(), schema.TypeTicketCreated, nil, "")
	assert.Error(t, err)
	assert.Equal(t, uint64(0), bus.Stats().Published)
}

func TestSubscribeValidation(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())

	assert.ErrorIs(t, bus.Subscribe("it.#", nil), ErrNilHandler)
	assert.ErrorIs(t, bus.Subscribe("it.#.created", func(context.Context, schema.Event) error { return nil }), ErrInvalidPattern)
}

func TestSubscribeAfterStartConsumingRejected(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())
	require.NoError(t, bus.Subscribe("it.#", func(context.Context, schema.Event) error { return nil }))
	require.NoError(t, bus.StartConsuming(context.Background()))

	err := bus.Subscribe("hr.#", func(context.Context, schema.Event) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyConsuming)
}

func TestDispatchInvokesAllMatchingHandlersThenAcksOnce(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	var exact, wildcard, unrelated atomic.Int32
	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	require.NoError(t, bus.Subscribe("it.ticket.created", func(_ context.Context, e schema.Event) error {
		exact.Add(1)
		record("exact")
		return nil
	}))
	require.NoError(t, bus.Subscribe("it.*.created", func(_ context.Context, e schema.Event) error {
		wildcard.Add(1)
		record("wildcard")
		return nil
	}))
	require.NoError(t, bus.Subscribe("hr.#", func(context.Context, schema.Event) error {
		unrelated.Add(1)
		return nil
	}))
	require.NoError(t, bus.StartConsuming(context.Background()))

	event := schema.New("it.ticket.created", "it", nil, "")
	body, err := event.Marshal()
	require.NoError(t, err)

	var acks, nacks atomic.Int32
	transport.deliveries <- deliver(body, event.EventType, &acks, &nacks, nil)

	require.Eventually(t, func() bool { return bus.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), exact.Load())
	assert.Equal(t, int32(1), wildcard.Load())
	assert.Equal(t, int32(0), unrelated.Load())
	assert.Equal(t, int32(1), acks.Load())
	assert.Equal(t, int32(0), nacks.Load())

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"exact", "wildcard"}, order, "handlers dispatch in registration order")
}

func TestHandlerFailureDoesNotBlockSiblingsOrAck(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	var second atomic.Int32
	require.NoError(t, bus.Subscribe("it.ticket.created", func(context.Context, schema.Event) error {
		return errors.New("handler broke")
	}))
	require.NoError(t, bus.Subscribe("it.*.created", func(context.Context, schema.Event) error {
		second.Add(1)
		return nil
	}))
	require.NoError(t, bus.StartConsuming(context.Background()))

	event := schema.New("it.ticket.created", "it", nil, "")
	body, err := event.Marshal()
	require.NoError(t, err)

	var acks, nacks atomic.Int32
	transport.deliveries <- deliver(body, event.EventType, &acks, &nacks, nil)

	require.Eventually(t, func() bool { return bus.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, int32(1), acks.Load())
	assert.Equal(t, int32(0), nacks.Load())
	assert.Equal(t, uint64(1), bus.Stats().HandlerFailures)
}

func TestHandlerPanicIsContained(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	var after atomic.Int32
	require.NoError(t, bus.Subscribe("it.#", func(context.Context, schema.Event) error {
		panic("boom")
	}))
	require.NoError(t, bus.Subscribe("it.#", func(context.Context, schema.Event) error {
		after.Add(1)
		return nil
	}))
	require.NoError(t, bus.StartConsuming(context.Background()))

	event := schema.New("it.ticket.created", "it", nil, "")
	body, err := event.Marshal()
	require.NoError(t, err)

	var acks, nacks atomic.Int32
	transport.deliveries <- deliver(body, event.EventType, &acks, &nacks, nil)

	require.Eventually(t, func() bool { return bus.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, int32(1), acks.Load())
	assert.Equal(t, uint64(1), bus.Stats().HandlerFailures)
}

func TestMalformedMessageDroppedWithoutRequeue(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	var invoked atomic.Int32
	require.NoError(t, bus.Subscribe("#", func(context.Context, schema.Event) error {
		invoked.Add(1)
		return nil
	}))
	require.NoError(t, bus.StartConsuming(context.Background()))

	var acks, nacks atomic.Int32
	var requeued atomic.Bool
	requeued.Store(true)
	transport.deliveries <- deliver([]byte("{not json"), "it.ticket.created", &acks, &nacks, &requeued)

	require.Eventually(t, func() bool { return bus.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), invoked.Load())
	assert.Equal(t, int32(0), acks.Load())
	assert.Equal(t, int32(1), nacks.Load())
	assert.False(t, requeued.Load(), "malformed messages are not requeued")
}

func TestTransportClosureDisconnectsWithoutReconnect(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	require.NoError(t, bus.Subscribe("#", func(context.Context, schema.Event) error { return nil }))
	require.NoError(t, bus.StartConsuming(context.Background()))

	close(transport.deliveries)
	require.Eventually(t, func() bool { return bus.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	// The next publish reconnects on its own.
	_, err := bus.Publish(context.Background(), schema.TypeTicketCreated, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, bus.State())
	assert.Equal(t, 2, transport.snapshot().connectCalls)
}

func TestTransportClosureCancelsConsumeContext(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	require.NoError(t, bus.Subscribe("#", func(context.Context, schema.Event) error { return nil }))
	require.NoError(t, bus.StartConsuming(context.Background()))
	first := transport.consumeContext()
	require.NotNil(t, first)
	require.NoError(t, first.Err())

	close(transport.deliveries)
	require.Eventually(t, func() bool { return bus.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	assert.Error(t, first.Err(), "consume context from the closed run must be cancelled")

	// A fresh consume run gets a fresh, live context.
	transport.mu.Lock()
	transport.deliveries = make(chan Delivery, 16)
	transport.mu.Unlock()
	require.NoError(t, bus.StartConsuming(context.Background()))
	second := transport.consumeContext()
	assert.NoError(t, second.Err())
}

func TestDisconnectRequeuesBufferedDeliveries(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	var invoked atomic.Int32
	require.NoError(t, bus.Subscribe("#", func(context.Context, schema.Event) error {
		invoked.Add(1)
		return nil
	}))
	require.NoError(t, bus.StartConsuming(context.Background()))
	require.NoError(t, bus.Disconnect(context.Background()))

	event := schema.New("it.ticket.created", "it", nil, "")
	body, err := event.Marshal()
	require.NoError(t, err)

	var acks, nacks atomic.Int32
	var requeued atomic.Bool
	transport.deliveries <- deliver(body, event.EventType, &acks, &nacks, &requeued)

	require.Eventually(t, func() bool { return nacks.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), invoked.Load(), "a disconnected bus must not run handlers")
	assert.Equal(t, int32(0), acks.Load())
	assert.True(t, requeued.Load(), "buffered deliveries go back to the queue")
	assert.Equal(t, uint64(0), bus.Stats().Delivered)
}

func TestDisconnect(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	require.NoError(t, bus.Connect(context.Background()))
	require.NoError(t, bus.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, bus.State())
	assert.True(t, transport.snapshot().closed)

	// Disconnecting a disconnected bus is a no-op.
	require.NoError(t, bus.Disconnect(context.Background()))
}

func TestStartConsumingBindsDistinctPatternsOnce(t *testing.T) {
	transport := newFakeTransport()
	bus := newTestBus(t, transport)

	handler := func(context.Context, schema.Event) error { return nil }
	require.NoError(t, bus.Subscribe("it.#", handler))
	require.NoError(t, bus.Subscribe("it.#", handler))
	require.NoError(t, bus.Subscribe("hr.*.created", handler))
	require.NoError(t, bus.StartConsuming(context.Background()))

	assert.Equal(t, []string{"it.#", "hr.*.created"}, transport.snapshot().patterns)

	// A second StartConsuming call is a no-op.
	require.NoError(t, bus.StartConsuming(context.Background()))
}

func TestObserverSeesLifecycle(t *testing.T) {
	transport := newFakeTransport()

	var mu sync.Mutex
	var types []string
	observer := ObserverFunc(func(_ context.Context, e cloudevents.Event) {
		mu.Lock()
		types = append(types, e.Type())
		mu.Unlock()
	})

	bus, err := New("it", Config{}, WithTransport(transport), WithObserver(observer))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), schema.TypeTicketCreated, nil, "")
	require.NoError(t, err)
	require.NoError(t, bus.Disconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeConnected, EventTypeMessagePublished, EventTypeDisconnected}, types)
}
