package core

import (
	"fmt"
	"time"
)

// EventType tags an event in the append-only log. The set is closed: every
// value below has a payload type in payloads.go and a method on Visitor.
type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentActive     EventType = "agent_active"
	EventMessageSent     EventType = "message_sent"
	EventMessageRead     EventType = "message_read"
	EventMessageAcked    EventType = "message_acked"
	EventFileReserved    EventType = "file_reserved"
	EventFileReleased    EventType = "file_released"
	EventTaskStarted     EventType = "task_started"
	EventTaskProgress    EventType = "task_progress"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskBlocked     EventType = "task_blocked"
)

var eventTypes = []EventType{
	EventAgentRegistered,
	EventAgentActive,
	EventMessageSent,
	EventMessageRead,
	EventMessageAcked,
	EventFileReserved,
	EventFileReleased,
	EventTaskStarted,
	EventTaskProgress,
	EventTaskCompleted,
	EventTaskBlocked,
}

// EventTypes returns every known event type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Valid reports whether t is one of the closed set of event types.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one immutable entry of the log. ID and Sequence are assigned by
// the event store on append; callers leave them zero.
type Event struct {
	ID         int64
	Type       EventType
	ProjectKey string
	Timestamp  int64 // unix milliseconds
	Sequence   int64
	Payload    Payload
}

// NewEvent builds an event for project stamped with the current time.
func NewEvent(project string, p Payload) Event {
	ev := Event{ProjectKey: project, Timestamp: NowMillis(), Payload: p}
	if p != nil {
		ev.Type = p.EventType()
	}
	return ev
}

// Validate checks the envelope and the payload against its variant rules.
func (e Event) Validate() error {
	if e.Payload == nil {
		return &ValidationError{Type: e.Type, Field: "payload", Reason: "required"}
	}
	if e.Type == "" {
		e.Type = e.Payload.EventType()
	}
	if !e.Type.Valid() {
		return &ValidationError{Type: e.Type, Field: "type", Reason: "unknown event type"}
	}
	if e.Type != e.Payload.EventType() {
		return &ValidationError{
			Type:   e.Type,
			Field:  "type",
			Reason: fmt.Sprintf("payload is %s", e.Payload.EventType()),
		}
	}
	if e.ProjectKey == "" {
		return &ValidationError{Type: e.Type, Field: "project_key", Reason: "required"}
	}
	if e.Timestamp < 0 {
		return &ValidationError{Type: e.Type, Field: "timestamp", Reason: "must not be negative"}
	}
	return e.Payload.Validate()
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// NowMillis is the wall clock in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Visitor has one method per event type. Projectors implement it; adding an
// event type means adding a method here, so every projector stops compiling
// until it handles the new type.
type Visitor interface {
	AgentRegistered(*AgentRegistered) error
	AgentActive(*AgentActive) error
	MessageSent(*MessageSent) error
	MessageRead(*MessageRead) error
	MessageAcked(*MessageAcked) error
	FileReserved(*FileReserved) error
	FileReleased(*FileReleased) error
	TaskStarted(*TaskStarted) error
	TaskProgress(*TaskProgress) error
	TaskCompleted(*TaskCompleted) error
	TaskBlocked(*TaskBlocked) error
}

// Payload is the sealed union of event bodies. Only this package can add
// variants because accept is unexported.
type Payload interface {
	EventType() EventType
	Validate() error
	accept(Visitor) error
}

// Dispatch routes p to the matching Visitor method.
func Dispatch(p Payload, v Visitor) error {
	if p == nil {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	return p.accept(v)
}
