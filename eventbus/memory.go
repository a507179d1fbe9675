package eventbus

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process stand-in for the external topic-exchange
// broker. Queues and bindings live for the broker's lifetime, so a
// transport that disconnects and reconnects finds its queue (and any
// messages queued meanwhile) still there, mirroring durable-queue
// behavior. One broker instance is typically shared by every bus in the
// process; tests construct their own.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	bindings map[string][]string // queue name -> bound patterns
}

type memoryQueue struct {
	mu       sync.Mutex
	messages []Message
	notify   chan struct{} // buffered(1), pinged on enqueue
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) enqueue(msg Message) {
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, true
}

func (q *memoryQueue) requeue(msg Message) {
	q.mu.Lock()
	q.messages = append([]Message{msg}, q.messages...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memoryQueue),
		bindings: make(map[string][]string),
	}
}

// declareQueue creates the queue if it does not exist yet.
func (b *MemoryBroker) declareQueue(name string) *memoryQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newMemoryQueue()
		b.queues[name] = q
	}
	return q
}

// bind binds a queue to a topic pattern. Binding the same pattern twice
// is a no-op.
func (b *MemoryBroker) bind(queue, pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.bindings[queue] {
		if p == pattern {
			return
		}
	}
	b.bindings[queue] = append(b.bindings[queue], pattern)
}

// route copies the message into every queue with at least one matching
// binding. A queue receives the message once even when several of its
// bindings match, matching topic-exchange delivery semantics.
func (b *MemoryBroker) route(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, patterns := range b.bindings {
		for _, pattern := range patterns {
			if Match(pattern, msg.RoutingKey) {
				if q, ok := b.queues[name]; ok {
					q.enqueue(msg)
				}
				break
			}
		}
	}
}

// defaultBroker backs buses created through the "memory" engine factory
// so that every module in the process shares one exchange.
var defaultBroker = NewMemoryBroker()

// memoryTransport is the Transport over a MemoryBroker.
type memoryTransport struct {
	broker    *MemoryBroker
	buffer    int
	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMemoryTransport creates a transport connected to the given broker.
// Pass nil to use the process-wide shared broker.
func NewMemoryTransport(broker *MemoryBroker, bufferSize int) Transport {
	if broker == nil {
		broker = defaultBroker
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &memoryTransport{broker: broker, buffer: bufferSize}
}

func init() {
	RegisterTransport("memory", func(cfg *Config) (Transport, error) {
		return NewMemoryTransport(nil, cfg.BufferSize), nil
	})
}

func (t *memoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *memoryTransport) Declare(ctx context.Context, queue string) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	t.broker.declareQueue(queue)
	return nil
}

func (t *memoryTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	t.broker.route(msg)
	return nil
}

func (t *memoryTransport) Consume(ctx context.Context, queue string, patterns []string) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}

	q := t.broker.declareQueue(queue)
	for _, pattern := range patterns {
		t.broker.bind(queue, pattern)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	deliveries := make(chan Delivery, t.buffer)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(deliveries)
		for {
			msg, ok := q.dequeue()
			if !ok {
				select {
				case <-consumeCtx.Done():
					return
				case <-q.notify:
					continue
				}
			}
			d := Delivery{
				RoutingKey: msg.RoutingKey,
				Body:       msg.Body,
				Headers:    msg.Headers,
				Ack:        func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						q.requeue(msg)
					}
					return nil
				},
			}
			select {
			case deliveries <- d:
			case <-consumeCtx.Done():
				// Undelivered dequeue goes back to the queue.
				q.requeue(msg)
				return
			}
		}
	}()

	return deliveries, nil
}

func (t *memoryTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.connected = false
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
