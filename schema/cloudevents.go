package schema

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ExtensionCorrelationID is the CloudEvents extension attribute that
// carries the envelope's correlation ID across the conversion.
const ExtensionCorrelationID = "correlationid"

// ToCloudEvent converts an Event into a CloudEvents v1 event for
// interoperability with external tooling. The envelope maps onto the
// standard attributes (id, type, source, time); the correlation ID
// travels as an extension attribute.
func ToCloudEvent(e Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(e.EventID)
	ce.SetType(e.EventType)
	ce.SetSource(e.SourceModule)
	ce.SetTime(e.Timestamp)
	ce.SetExtension(ExtensionCorrelationID, e.CorrelationID)
	if err := ce.SetData(cloudevents.ApplicationJSON, e.Data); err != nil {
		return cloudevents.Event{}, fmt.Errorf("failed to set cloud event data: %w", err)
	}
	return ce, nil
}

// FromCloudEvent converts a CloudEvents event back into the platform
// envelope. A missing correlation extension yields an empty
// CorrelationID; callers that need one should treat that as a fresh
// causal chain.
func FromCloudEvent(ce cloudevents.Event) (Event, error) {
	e := Event{
		EventID:      ce.ID(),
		EventType:    ce.Type(),
		SourceModule: ce.Source(),
		Timestamp:    ce.Time(),
		Data:         make(map[string]any),
	}
	if v, ok := ce.Extensions()[ExtensionCorrelationID]; ok {
		if s, ok := v.(string); ok {
			e.CorrelationID = s
		}
	}
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&e.Data); err != nil {
			return Event{}, fmt.Errorf("failed to decode cloud event data: %w", err)
		}
	}
	return e, nil
}
