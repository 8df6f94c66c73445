package core

import "time"

// Importance ranks a message for inbox filtering.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// OrDefault maps the empty importance to normal.
func (i Importance) OrDefault() Importance {
	if i == "" {
		return ImportanceNormal
	}
	return i
}

// Agent is the projection of agent_registered and agent_active events.
type Agent struct {
	ProjectKey      string `json:"project_key"`
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description"`
	RegisteredAt    int64  `json:"registered_at"`
	LastActiveAt    int64  `json:"last_active_at"`
}

// Message is the projection of a message_sent event.
type Message struct {
	ID          int64      `json:"id"`
	ProjectKey  string     `json:"project_key"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	CreatedAt   int64      `json:"created_at"`
}

// Recipient is one addressee row of a message.
type Recipient struct {
	MessageID int64  `json:"message_id"`
	AgentName string `json:"agent_name"`
	ReadAt    *int64 `json:"read_at,omitempty"`
	AckedAt   *int64 `json:"acked_at,omitempty"`
}

// InboxEntry is a message joined with the caller's recipient row.
type InboxEntry struct {
	Message
	ReadAt  *int64 `json:"read_at,omitempty"`
	AckedAt *int64 `json:"acked_at,omitempty"`
}

func (e InboxEntry) Unread() bool { return e.ReadAt == nil }

// Reservation is an advisory claim on a path pattern.
type Reservation struct {
	ID          int64  `json:"id"`
	ProjectKey  string `json:"project_key"`
	AgentName   string `json:"agent_name"`
	PathPattern string `json:"path_pattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	ReleasedAt  *int64 `json:"released_at,omitempty"`
}

// IsActive reports whether the reservation is unreleased and unexpired at now
// (unix ms). Expiry is only ever detected this way; the purge scheduler
// deletes rows long after they stopped being active.
func (r Reservation) IsActive(now int64) bool {
	return r.ReleasedAt == nil && r.ExpiresAt > now
}

// Conflict is one requested path that overlaps another agent's active
// exclusive reservation. It is a result, not an error.
type Conflict struct {
	Path          string `json:"path"`
	Holder        string `json:"holder"`
	Pattern       string `json:"pattern"`
	Exclusive     bool   `json:"exclusive"`
	ReservationID int64  `json:"reservation_id"`
	ExpiresAt     int64  `json:"expires_at"`
}

// SchemaVersion is one applied migration.
type SchemaVersion struct {
	Version     int       `json:"version"`
	AppliedAt   time.Time `json:"applied_at"`
	Description string    `json:"description"`
}
