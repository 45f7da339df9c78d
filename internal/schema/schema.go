package schema

import "time"

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of an event published on the event feed.
type EventType string

const (
	EventFill             EventType = "fill"
	EventLimitBreach      EventType = "limit_breach"
	EventGuardrailPaused  EventType = "guardrail_paused"
	EventGuardrailResumed EventType = "guardrail_resumed"
	EventOrderRejected    EventType = "order_rejected"
	EventCadencePaused    EventType = "cadence_paused"
	EventReconcileDrift   EventType = "reconcile_drift"
	EventPnLSnapshot      EventType = "pnl_snapshot"
	EventParamsApplied    EventType = "params_applied"
	EventFatal            EventType = "fatal"
)

// Event is the envelope emitted for dashboards and alerting.
type Event struct {
	Type       EventType `json:"type"`
	Version    uint16    `json:"version"`
	Venue      string    `json:"venue,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  int64     `json:"timestamp"`
}

// NewEvent builds an event stamped with the current schema version and time.
func NewEvent(eventType EventType, market Market, payload any) Event {
	return Event{
		Type:       eventType,
		Version:    SchemaVersion,
		Venue:      market.Venue,
		Instrument: market.Symbol,
		Payload:    payload,
		Timestamp:  time.Now().UTC().UnixNano(),
	}
}

// Market identifies one quoting pipeline: an instrument on a venue.
type Market struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
}

func (m Market) String() string {
	return m.Venue + ":" + m.Symbol
}
