// internal/events/types.go
package events

import (
	"time"
)

// BaseEvent provides common fields for events published on the bus.
// Embedding it is optional; any value can be published.
type BaseEvent struct {
	EventTime time.Time
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// Timestamped is implemented by events that embed BaseEvent. Subscribing
// to it receives every such event.
type Timestamped interface {
	Timestamp() time.Time
}

// NewBaseEvent stamps an event with the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{EventTime: time.Now()}
}

// Ping is a heartbeat emitted by a named source.
type Ping struct {
	BaseEvent
	Source string
	Seq    int
}

// NewPing stamps a heartbeat from source.
func NewPing(source string, seq int) Ping {
	return Ping{BaseEvent: NewBaseEvent(), Source: source, Seq: seq}
}
