package eventbus

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/elements-platform/elements/schema"
)

// Operational event types emitted by the bus about its own lifecycle,
// using CloudEvents reverse domain notation. These are observability
// signals, not domain events; they never travel over the exchange.
const (
	EventTypeConnected    = "com.elements.eventbus.connected"
	EventTypeDisconnected = "com.elements.eventbus.disconnected"

	EventTypeMessagePublished = "com.elements.eventbus.message.published"
	EventTypeMessageReceived  = "com.elements.eventbus.message.received"
	EventTypeMessageFailed    = "com.elements.eventbus.message.failed"
	EventTypeMessageDropped   = "com.elements.eventbus.message.dropped"
)

// Observer receives operational CloudEvents from a bus instance.
// Observers run inline on the dispatch path and must be fast; anything
// slow belongs behind a channel on the observer's side.
type Observer interface {
	OnBusEvent(ctx context.Context, event cloudevents.Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event cloudevents.Event)

func (f ObserverFunc) OnBusEvent(ctx context.Context, event cloudevents.Event) { f(ctx, event) }

// newBusEvent builds an operational CloudEvent in the platform's
// standard shape.
func newBusEvent(eventType, source string, data map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetID(schema.NewID())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}
