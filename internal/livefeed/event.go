// Package livefeed fans decoded marketplace events out to live SSE and WebSocket clients.
package livefeed

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on the live feed.
const (
	EventConnection     = "connection"
	EventHeartbeat      = "heartbeat"
	EventNewPools       = "newPools"
	EventNewCollections = "newCollections"
	EventVolumeUpdate   = "volumeUpdate"
	EventNewTransaction = "newTransaction"
)

// Event is one live feed message. Timestamp is unix milliseconds.
type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event stamped with ts.
func NewEvent(eventType string, data any, ts time.Time) (Event, error) {
	ev := Event{Type: eventType, Timestamp: ts.UnixMilli()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	ev.Data = raw
	return ev, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

type connectionData struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}
