// Package schema defines the shared event envelope exchanged between
// platform modules over the event bus, together with the well-known
// event-type identifiers. It carries no behavior beyond construction
// and serialization helpers; every other integration package depends
// on it and it depends on nothing platform-specific.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable envelope exchanged over the bus.
//
// EventID is unique per publish call. CorrelationID may repeat across a
// causally related sequence of events and is used to tie a multi-step
// workflow together across modules. Data is opaque to the bus; payload
// contracts are an agreement between producer and consumer modules.
type Event struct {
	// EventID is a globally unique identifier generated at publish time.
	EventID string `json:"event_id"`

	// EventType is the dot-delimited topic string, namespaced by domain
	// and action, e.g. "hr.employee.created".
	EventType string `json:"event_type"`

	// SourceModule is the name of the publishing module, fixed per bus
	// instance.
	SourceModule string `json:"source_module"`

	// Timestamp is the ISO-8601 creation time, set at publish time.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID is unique per causal chain; caller-supplied or
	// generated fresh at publish time.
	CorrelationID string `json:"correlation_id"`

	// Data holds the event-specific fields.
	Data map[string]any `json:"data"`
}

// New constructs an Event envelope with a fresh EventID. If correlationID
// is empty a new one is generated, so every event always carries a
// non-empty correlation ID.
func New(eventType, sourceModule string, data map[string]any, correlationID string) Event {
	if correlationID == "" {
		correlationID = NewID()
	}
	if data == nil {
		data = make(map[string]any)
	}
	return Event{
		EventID:       NewID(),
		EventType:     eventType,
		SourceModule:  sourceModule,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          data,
	}
}

// NewID generates a unique identifier using UUIDv7. UUIDv7 includes
// timestamp information which provides time-ordered uniqueness.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}

// Marshal serializes the event to its JSON wire form.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return b, nil
}

// Unmarshal deserializes an event from its JSON wire form.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("failed to deserialize event: %w", err)
	}
	return e, nil
}
