package core

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/interlock/internal/glob"
)

// AgentRegistered creates or refreshes an agent identity.
type AgentRegistered struct {
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

func (*AgentRegistered) EventType() EventType     { return EventAgentRegistered }
func (p *AgentRegistered) accept(v Visitor) error { return v.AgentRegistered(p) }

func (p *AgentRegistered) Validate() error {
	return requireName(EventAgentRegistered, "name", p.Name)
}

// AgentActive marks an agent as recently seen.
type AgentActive struct {
	Name string `json:"name"`
}

func (*AgentActive) EventType() EventType     { return EventAgentActive }
func (p *AgentActive) accept(v Visitor) error { return v.AgentActive(p) }

func (p *AgentActive) Validate() error {
	return requireName(EventAgentActive, "name", p.Name)
}

// MessageSent creates a message and one recipient row per addressee.
type MessageSent struct {
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance,omitempty"`
	AckRequired bool       `json:"ack_required,omitempty"`
}

func (*MessageSent) EventType() EventType     { return EventMessageSent }
func (p *MessageSent) accept(v Visitor) error { return v.MessageSent(p) }

func (p *MessageSent) Validate() error {
	if err := requireName(EventMessageSent, "from", p.From); err != nil {
		return err
	}
	if len(p.To) == 0 {
		return &ValidationError{Type: EventMessageSent, Field: "to", Reason: "at least one recipient required"}
	}
	seen := make(map[string]struct{}, len(p.To))
	for i, to := range p.To {
		field := fmt.Sprintf("to[%d]", i)
		if err := requireName(EventMessageSent, field, to); err != nil {
			return err
		}
		if _, dup := seen[to]; dup {
			return &ValidationError{Type: EventMessageSent, Field: field, Reason: "duplicate recipient"}
		}
		seen[to] = struct{}{}
	}
	if strings.TrimSpace(p.Subject) == "" {
		return &ValidationError{Type: EventMessageSent, Field: "subject", Reason: "required"}
	}
	if p.Importance != "" && !p.Importance.Valid() {
		return &ValidationError{Type: EventMessageSent, Field: "importance", Reason: fmt.Sprintf("unknown importance %q", p.Importance)}
	}
	return nil
}

// MessageRead stamps read_at on one recipient row.
type MessageRead struct {
	MessageID int64  `json:"message_id"`
	Agent     string `json:"agent"`
}

func (*MessageRead) EventType() EventType     { return EventMessageRead }
func (p *MessageRead) accept(v Visitor) error { return v.MessageRead(p) }

func (p *MessageRead) Validate() error {
	return validateMessageRef(EventMessageRead, p.MessageID, p.Agent)
}

// MessageAcked stamps acked_at (and read_at if unset) on one recipient row.
type MessageAcked struct {
	MessageID int64  `json:"message_id"`
	Agent     string `json:"agent"`
}

func (*MessageAcked) EventType() EventType     { return EventMessageAcked }
func (p *MessageAcked) accept(v Visitor) error { return v.MessageAcked(p) }

func (p *MessageAcked) Validate() error {
	return validateMessageRef(EventMessageAcked, p.MessageID, p.Agent)
}

// MaxReservationPaths bounds the paths of one FileReserved event so that
// reservation ids can be derived from the event id.
const MaxReservationPaths = 999

// ReservationID is the id of the reservation row for the ordinal-th path of
// the FileReserved event eventID. Ids depend only on the log, so any replay
// rebuilds the rows that FileReleased events refer to.
func ReservationID(eventID int64, ordinal int) int64 {
	return eventID*(MaxReservationPaths+1) + int64(ordinal) + 1
}

// FileReserved creates one reservation row per path pattern. ExpiresAt is
// absolute so that replaying the event reproduces the same row; when it is
// zero the projector derives it from the event timestamp and TTLSeconds.
type FileReserved struct {
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  bool     `json:"exclusive"`
	Reason     string   `json:"reason,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	ExpiresAt  int64    `json:"expires_at,omitempty"`
}

func (*FileReserved) EventType() EventType     { return EventFileReserved }
func (p *FileReserved) accept(v Visitor) error { return v.FileReserved(p) }

func (p *FileReserved) Validate() error {
	if err := requireName(EventFileReserved, "agent", p.Agent); err != nil {
		return err
	}
	if len(p.Paths) == 0 {
		return &ValidationError{Type: EventFileReserved, Field: "paths", Reason: "at least one path required"}
	}
	if len(p.Paths) > MaxReservationPaths {
		return &ValidationError{Type: EventFileReserved, Field: "paths", Reason: fmt.Sprintf("at most %d paths per reservation", MaxReservationPaths)}
	}
	for i, path := range p.Paths {
		field := fmt.Sprintf("paths[%d]", i)
		if strings.TrimSpace(path) == "" {
			return &ValidationError{Type: EventFileReserved, Field: field, Reason: "required"}
		}
		if err := glob.ValidateComplexity(path); err != nil {
			return &ValidationError{Type: EventFileReserved, Field: field, Reason: err.Error()}
		}
	}
	if p.TTLSeconds < 0 {
		return &ValidationError{Type: EventFileReserved, Field: "ttl_seconds", Reason: "must not be negative"}
	}
	if p.TTLSeconds == 0 && p.ExpiresAt <= 0 {
		return &ValidationError{Type: EventFileReserved, Field: "ttl_seconds", Reason: "ttl_seconds or expires_at required"}
	}
	return nil
}

// FileReleased releases the agent's active reservations. ReservationIDs and
// Paths select rows by id or by exact pattern (either matches); with neither,
// every active reservation of the agent is released.
type FileReleased struct {
	Agent          string   `json:"agent"`
	Paths          []string `json:"paths,omitempty"`
	ReservationIDs []int64  `json:"reservation_ids,omitempty"`
}

func (*FileReleased) EventType() EventType     { return EventFileReleased }
func (p *FileReleased) accept(v Visitor) error { return v.FileReleased(p) }

func (p *FileReleased) Validate() error {
	if err := requireName(EventFileReleased, "agent", p.Agent); err != nil {
		return err
	}
	for i, id := range p.ReservationIDs {
		if id <= 0 {
			return &ValidationError{Type: EventFileReleased, Field: fmt.Sprintf("reservation_ids[%d]", i), Reason: "must be positive"}
		}
	}
	return nil
}

// TaskStarted records that an agent picked up a unit of work.
type TaskStarted struct {
	Agent       string `json:"agent"`
	TaskID      string `json:"task_id"`
	Description string `json:"description,omitempty"`
}

func (*TaskStarted) EventType() EventType     { return EventTaskStarted }
func (p *TaskStarted) accept(v Visitor) error { return v.TaskStarted(p) }
func (p *TaskStarted) Validate() error        { return validateTaskRef(EventTaskStarted, p.Agent, p.TaskID) }

// TaskProgress reports partial completion in percent.
type TaskProgress struct {
	Agent   string `json:"agent"`
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Note    string `json:"note,omitempty"`
}

func (*TaskProgress) EventType() EventType     { return EventTaskProgress }
func (p *TaskProgress) accept(v Visitor) error { return v.TaskProgress(p) }

func (p *TaskProgress) Validate() error {
	if err := validateTaskRef(EventTaskProgress, p.Agent, p.TaskID); err != nil {
		return err
	}
	if p.Percent < 0 || p.Percent > 100 {
		return &ValidationError{Type: EventTaskProgress, Field: "percent", Reason: "must be between 0 and 100"}
	}
	return nil
}

type TaskCompleted struct {
	Agent   string `json:"agent"`
	TaskID  string `json:"task_id"`
	Summary string `json:"summary,omitempty"`
}

func (*TaskCompleted) EventType() EventType     { return EventTaskCompleted }
func (p *TaskCompleted) accept(v Visitor) error { return v.TaskCompleted(p) }
func (p *TaskCompleted) Validate() error        { return validateTaskRef(EventTaskCompleted, p.Agent, p.TaskID) }

type TaskBlocked struct {
	Agent  string `json:"agent"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (*TaskBlocked) EventType() EventType     { return EventTaskBlocked }
func (p *TaskBlocked) accept(v Visitor) error { return v.TaskBlocked(p) }

func (p *TaskBlocked) Validate() error {
	if err := validateTaskRef(EventTaskBlocked, p.Agent, p.TaskID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Reason) == "" {
		return &ValidationError{Type: EventTaskBlocked, Field: "reason", Reason: "required"}
	}
	return nil
}

// newPayload returns a zero payload for t, used by DecodePayload.
func newPayload(t EventType) (Payload, bool) {
	switch t {
	case EventAgentRegistered:
		return &AgentRegistered{}, true
	case EventAgentActive:
		return &AgentActive{}, true
	case EventMessageSent:
		return &MessageSent{}, true
	case EventMessageRead:
		return &MessageRead{}, true
	case EventMessageAcked:
		return &MessageAcked{}, true
	case EventFileReserved:
		return &FileReserved{}, true
	case EventFileReleased:
		return &FileReleased{}, true
	case EventTaskStarted:
		return &TaskStarted{}, true
	case EventTaskProgress:
		return &TaskProgress{}, true
	case EventTaskCompleted:
		return &TaskCompleted{}, true
	case EventTaskBlocked:
		return &TaskBlocked{}, true
	}
	return nil, false
}

func requireName(t EventType, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Type: t, Field: field, Reason: "required"}
	}
	return nil
}

func validateMessageRef(t EventType, id int64, agent string) error {
	if id <= 0 {
		return &ValidationError{Type: t, Field: "message_id", Reason: "must be positive"}
	}
	return requireName(t, "agent", agent)
}

func validateTaskRef(t EventType, agent, taskID string) error {
	if err := requireName(t, "agent", agent); err != nil {
		return err
	}
	return requireName(t, "task_id", taskID)
}
