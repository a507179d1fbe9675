package eventbus

import (
	"context"
	"fmt"
)

// Message header keys carried alongside the serialized envelope so that
// broker-side tooling can inspect identity and causality without
// deserializing the body.
const (
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"
	HeaderTimestamp     = "timestamp"
)

// Message is an outbound message handed to a transport. The routing key
// is the event type; Persistent requests durability across broker
// restarts where the engine supports it.
type Message struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Persistent bool
}

// Delivery is an inbound message handed to the consume loop. Ack removes
// the message from the queue; Nack signals failed processing, optionally
// returning the message to the queue for redelivery.
type Delivery struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Ack        func() error
	Nack       func(requeue bool) error
}

// Transport abstracts the topic-exchange broker the bus is layered on.
// Implementations own exactly one connection and are never shared
// between bus instances. All engines route published messages through a
// single shared exchange; module-scoped durable queues are bound to it
// at consume time.
type Transport interface {
	// Connect establishes the connection to the broker. Safe to call
	// once per instance; the bus guards idempotency above this layer.
	Connect(ctx context.Context) error

	// Declare sets up the shared durable topic exchange and the durable
	// module-scoped queue. Declaring existing objects is a no-op.
	Declare(ctx context.Context, queue string) error

	// Publish sends a message to the shared exchange using the message's
	// routing key. It does not wait for broker-side delivery confirmation.
	Publish(ctx context.Context, msg Message) error

	// Consume binds the queue to the given topic patterns and starts
	// delivering messages. The returned channel is closed when the
	// transport connection closes or the context is cancelled.
	//
	// Engines without broker-side pattern routing may deliver every
	// exchange message; the bus performs its own pattern matching at
	// dispatch and acknowledges non-matching messages untouched.
	Consume(ctx context.Context, queue string, patterns []string) (<-chan Delivery, error)

	// Close tears down the connection.
	Close(ctx context.Context) error
}

// TransportFactory creates a Transport from the bus configuration.
type TransportFactory func(cfg *Config) (Transport, error)

var transportRegistry = make(map[string]TransportFactory)

// RegisterTransport registers a transport engine under a name, allowing
// custom engines to be plugged in at runtime:
//
//	eventbus.RegisterTransport("custom", func(cfg *eventbus.Config) (eventbus.Transport, error) {
//	    return NewCustomTransport(cfg), nil
//	})
func RegisterTransport(name string, factory TransportFactory) {
	transportRegistry[name] = factory
}

// RegisteredTransports returns the names of all registered engines.
func RegisteredTransports() []string {
	names := make([]string, 0, len(transportRegistry))
	for name := range transportRegistry {
		names = append(names, name)
	}
	return names
}

// NewTransport creates a Transport for the configured engine.
func NewTransport(cfg *Config) (Transport, error) {
	factory, ok := transportRegistry[cfg.Engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, cfg.Engine)
	}
	return factory(cfg)
}
