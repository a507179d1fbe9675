// Package eventbus implements the platform's inter-module event bus: a
// topic pub/sub client layered on a shared topic-exchange transport.
// Each module constructs one Bus bound to its own identity, registers
// pattern handlers, starts consuming, and publishes domain events as
// they occur. Routing by pattern rather than by module address keeps
// independently deployed modules loosely coupled.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/elements-platform/elements/schema"
)

// State is the connection state of a Bus instance.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler processes one delivered event. Handler errors are logged and
// absorbed; they never cause redelivery and never block sibling
// handlers.
type Handler func(ctx context.Context, event schema.Event) error

// handlerBinding is one (pattern, handler) pair. Bindings dispatch in
// registration order.
type handlerBinding struct {
	pattern string
	handler Handler
}

// Stats is a snapshot of bus delivery counters.
type Stats struct {
	// Published counts envelopes accepted by the transport.
	Published uint64
	// Delivered counts inbound messages acknowledged after dispatch.
	Delivered uint64
	// HandlerFailures counts handler invocations that returned an error
	// or panicked.
	HandlerFailures uint64
	// Dropped counts malformed inbound messages rejected without requeue.
	Dropped uint64
}

// Bus is the event bus client for one module identity. A Bus owns
// exactly one transport connection; handlers run strictly sequentially
// on a single dispatch goroutine, in delivery order.
//
// Subscribe calls must complete before StartConsuming; subscribing
// during active consumption is a usage error, not a supported pattern.
//
// Known limitations, kept deliberately (downstream modules depend on
// them): publishes are fire-and-forget with no broker confirmation,
// malformed messages are dropped rather than dead-lettered, and no
// per-handler timeout is enforced, so a stuck handler stalls dispatch
// for the whole instance.
type Bus struct {
	module    string
	cfg       Config
	transport Transport
	logger    *slog.Logger
	observer  Observer

	mu        sync.Mutex
	state     State
	bindings  []handlerBinding
	patterns  []string // distinct, in first-registration order
	consuming bool
	cancel    context.CancelFunc

	published       atomic.Uint64
	delivered       atomic.Uint64
	handlerFailures atomic.Uint64
	dropped         atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithObserver registers an observer for operational bus events.
func WithObserver(observer Observer) Option {
	return func(b *Bus) { b.observer = observer }
}

// WithTransport overrides the transport built from the configuration.
// Used by tests and by engines registered out of tree.
func WithTransport(transport Transport) Option {
	return func(b *Bus) { b.transport = transport }
}

// New creates a Bus bound to the given module identity.
func New(module string, cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus config: %w", err)
	}

	b := &Bus{
		module: module,
		cfg:    cfg,
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	if b.transport == nil {
		transport, err := NewTransport(&cfg)
		if err != nil {
			return nil, err
		}
		b.transport = transport
	}
	return b, nil
}

// Module returns the module identity the bus is bound to.
func (b *Bus) Module() string {
	return b.module
}

// State returns the current connection state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect establishes the transport connection and declares the shared
// exchange and the module's durable queue. Idempotent: when already
// connected it returns immediately without touching the transport.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Bus) connectLocked(ctx context.Context) error {
	if b.state == StateConnected {
		return nil
	}

	b.state = StateConnecting
	if err := b.transport.Connect(ctx); err != nil {
		b.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if err := b.transport.Declare(ctx, b.cfg.QueueName(b.module)); err != nil {
		_ = b.transport.Close(ctx)
		b.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	b.state = StateConnected
	b.logger.Info("Event bus connected", "module", b.module, "engine", b.cfg.Engine)
	b.emit(ctx, EventTypeConnected, map[string]any{"engine": b.cfg.Engine})
	return nil
}

// Disconnect tears down the transport connection and stops consumption.
// Deliveries already buffered but not yet dispatched are requeued, not
// handled.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateDisconnected {
		b.mu.Unlock()
		return nil
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.consuming = false
	b.state = StateDisconnected
	b.mu.Unlock()

	if err := b.transport.Close(ctx); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	b.logger.Info("Event bus disconnected", "module", b.module)
	b.emit(ctx, EventTypeDisconnected, nil)
	return nil
}

// Publish constructs an Event envelope for the given type and payload
// and publishes it to the shared exchange with the event type as the
// routing key, connecting lazily if needed. An empty correlationID gets
// a fresh one. Returns the generated event ID.
//
// Publishing is fire-and-forget at the application layer: the transport
// write is awaited but broker-side durability is not confirmed.
func (b *Bus) Publish(ctx context.Context, eventType schema.Type, data map[string]any, correlationID string) (string, error) {
	b.mu.Lock()
	if err := b.connectLocked(ctx); err != nil {
		b.mu.Unlock()
		return "", err
	}
	b.mu.Unlock()

	event := schema.New(eventType.String(), b.module, data, correlationID)
	body, err := event.Marshal()
	if err != nil {
		return "", err
	}

	msg := Message{
		RoutingKey: event.EventType,
		Body:       body,
		Headers: map[string]string{
			HeaderEventID:       event.EventID,
			HeaderCorrelationID: event.CorrelationID,
			HeaderTimestamp:     event.Timestamp.Format(timeLayout),
		},
		Persistent: true,
	}
	if err := b.transport.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to publish event %s: %w", event.EventType, err)
	}

	b.published.Add(1)
	b.logger.Debug("Event published",
		"module", b.module, "event_type", event.EventType, "event_id", event.EventID)
	b.emit(ctx, EventTypeMessagePublished, map[string]any{
		"event_type": event.EventType,
		"event_id":   event.EventID,
	})
	return event.EventID, nil
}

// Subscribe registers a handler for a topic pattern. Multiple handlers
// may share a pattern and dispatch in registration order. Pure
// bookkeeping: the transport is not touched until StartConsuming.
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := ValidatePattern(pattern); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consuming {
		return ErrAlreadyConsuming
	}

	b.bindings = append(b.bindings, handlerBinding{pattern: pattern, handler: handler})
	seen := false
	for _, p := range b.patterns {
		if p == pattern {
			seen = true
			break
		}
	}
	if !seen {
		b.patterns = append(b.patterns, pattern)
	}
	return nil
}

// StartConsuming connects lazily, binds the module queue to every
// distinct registered pattern, and starts the dispatch loop. It does
// not block: dispatch runs on a background goroutine for the lifetime
// of the bus (or until Disconnect). Calling it again while consuming
// is a no-op.
func (b *Bus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	if b.consuming {
		b.mu.Unlock()
		return nil
	}
	if err := b.connectLocked(ctx); err != nil {
		b.mu.Unlock()
		return err
	}

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := b.transport.Consume(consumeCtx, b.cfg.QueueName(b.module), b.patterns)
	if err != nil {
		cancel()
		b.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	b.cancel = cancel
	b.consuming = true
	bindings := make([]handlerBinding, len(b.bindings))
	copy(bindings, b.bindings)
	b.mu.Unlock()

	b.logger.Info("Event bus consuming",
		"module", b.module, "queue", b.cfg.QueueName(b.module), "patterns", len(b.patterns))

	go b.dispatchLoop(consumeCtx, deliveries, bindings)
	return nil
}

// dispatchLoop processes deliveries one at a time, in delivery order.
// For each message every matching (pattern, handler) pair runs
// sequentially; the message is acknowledged exactly once afterwards,
// regardless of handler outcome. Messages that fail to deserialize are
// rejected without requeue.
func (b *Bus) dispatchLoop(ctx context.Context, deliveries <-chan Delivery, bindings []handlerBinding) {
	for d := range deliveries {
		// Deliveries still buffered after Disconnect go back to the
		// queue unprocessed; a disconnected bus must not run handlers.
		if ctx.Err() != nil {
			if err := d.Nack(true); err != nil {
				b.logger.Error("Failed to requeue message", "module", b.module, "error", err)
			}
			continue
		}

		event, err := schema.Unmarshal(d.Body)
		if err != nil {
			b.dropped.Add(1)
			b.logger.Error("Failed to deserialize message, dropping",
				"module", b.module, "routing_key", d.RoutingKey, "error", err)
			b.emit(ctx, EventTypeMessageDropped, map[string]any{
				"routing_key": d.RoutingKey,
				"error":       err.Error(),
			})
			if err := d.Nack(false); err != nil {
				b.logger.Error("Failed to reject message", "module", b.module, "error", err)
			}
			continue
		}

		b.emit(ctx, EventTypeMessageReceived, map[string]any{
			"event_type": event.EventType,
			"event_id":   event.EventID,
		})

		for _, binding := range bindings {
			if !Match(binding.pattern, event.EventType) {
				continue
			}
			b.invoke(ctx, binding, event)
		}

		if err := d.Ack(); err != nil {
			b.logger.Error("Failed to acknowledge message",
				"module", b.module, "event_id", event.EventID, "error", err)
		}
		b.delivered.Add(1)
	}

	// Transport-level closure: back to Disconnected, no auto-reconnect.
	// The next Publish or StartConsuming call reconnects.
	b.mu.Lock()
	if b.consuming {
		b.consuming = false
		b.state = StateDisconnected
		if b.cancel != nil {
			b.cancel()
			b.cancel = nil
		}
		b.logger.Warn("Event bus delivery channel closed", "module", b.module)
	}
	b.mu.Unlock()
}

// invoke runs one handler with error and panic containment.
func (b *Bus) invoke(ctx context.Context, binding handlerBinding, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Add(1)
			b.logger.Error("Event handler panicked",
				"module", b.module, "pattern", binding.pattern,
				"event_type", event.EventType, "panic", r)
			b.emit(ctx, EventTypeMessageFailed, map[string]any{
				"event_type": event.EventType,
				"pattern":    binding.pattern,
				"panic":      fmt.Sprint(r),
			})
		}
	}()

	if err := binding.handler(ctx, event); err != nil {
		b.handlerFailures.Add(1)
		b.logger.Error("Event handler failed",
			"module", b.module, "pattern", binding.pattern,
			"event_type", event.EventType, "error", err)
		b.emit(ctx, EventTypeMessageFailed, map[string]any{
			"event_type": event.EventType,
			"pattern":    binding.pattern,
			"error":      err.Error(),
		})
	}
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		Dropped:         b.dropped.Load(),
	}
}

func (b *Bus) emit(ctx context.Context, eventType string, data map[string]any) {
	if b.observer == nil {
		return
	}
	b.observer.OnBusEvent(ctx, newBusEvent(eventType, "eventbus/"+b.module, data))
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
