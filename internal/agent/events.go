// ABOUTME: Typed events for the upstream agent streaming protocol
// ABOUTME: Wire names match the agent's SSE event stream (status, message_delta, sources, done, error)

package agent

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an upstream stream event. The values are the SSE
// event names as they appear on the wire.
type EventType string

const (
	EventStatus  EventType = "status"
	EventDelta   EventType = "message_delta"
	EventSources EventType = "sources"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one upstream stream event. Data holds the raw payload exactly as
// received so the relay can forward it byte-for-byte; the typed fields are
// parsed out for the reducer.
type Event struct {
	Type EventType
	Data json.RawMessage

	// Delta is the text fragment for message_delta events.
	Delta string

	// Sources is the source list carried by message_delta, sources, or done events.
	Sources []string

	// Message is the failure description for error events.
	Message string
}

// Terminal reports whether the event ends the stream.
func (e *Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type deltaPayload struct {
	Delta   string   `json:"delta"`
	Sources []string `json:"sources,omitempty"`
}

type sourcesPayload struct {
	// The agent emits tool names under "tools"; "sources" is accepted as well.
	Tools   []string `json:"tools,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

type donePayload struct {
	Done    bool     `json:"done"`
	Sources []string `json:"sources,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// parseEvent builds a typed Event from an SSE event name and its data payload.
// Unknown event names are rejected; the relay never forwards frames it cannot
// classify as part of the protocol.
func parseEvent(name string, data []byte) (*Event, error) {
	ev := &Event{Type: EventType(name), Data: json.RawMessage(data)}

	switch ev.Type {
	case EventStatus:
		// Informational; payload (phase, subtitle, tool, timestamp) is relayed as-is.

	case EventDelta:
		var p deltaPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing delta payload: %w", err)
		}
		ev.Delta = p.Delta
		ev.Sources = p.Sources

	case EventSources:
		var p sourcesPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing sources payload: %w", err)
		}
		ev.Sources = p.Tools
		if len(ev.Sources) == 0 {
			ev.Sources = p.Sources
		}

	case EventDone:
		var p donePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing done payload: %w", err)
		}
		ev.Sources = p.Sources

	case EventError:
		var p errorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing error payload: %w", err)
		}
		ev.Message = p.Error

	default:
		return nil, fmt.Errorf("unknown event type %q", name)
	}

	return ev, nil
}

// ErrorEvent synthesizes a terminal error event with a well-formed payload.
// Used when a stream fails without the agent sending an explicit error, and by
// the relay to report persistence failures after streaming has begun.
func ErrorEvent(message string) *Event {
	data, _ := json.Marshal(errorPayload{Error: message})
	return &Event{
		Type:    EventError,
		Data:    json.RawMessage(data),
		Message: message,
	}
}
