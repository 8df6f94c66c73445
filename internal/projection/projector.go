// Package projection folds events into the read tables and answers queries
// against them. Reads never replay the log.
package projection

import (
	"context"
	"fmt"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Effect reports what a fold changed, for callers that need generated ids.
type Effect struct {
	MessageID      int64
	ReservationIDs []int64
	Released       int64
}

// Projector writes projection tables. Each table is written by exactly one
// method per event type, always inside the caller's transaction.
type Projector struct{}

func NewProjector() *Projector { return &Projector{} }

// Apply folds ev into the projections through q, normally the append
// transaction.
func (p *Projector) Apply(ctx context.Context, q storage.Queryer, ev core.Event) (Effect, error) {
	a := &applier{ctx: ctx, q: q, ev: ev}
	if err := core.Dispatch(ev.Payload, a); err != nil {
		return Effect{}, fmt.Errorf("project %s #%d: %w", ev.Type, ev.Sequence, err)
	}
	return a.effect, nil
}

// Clear deletes projection rows for project, or for every project when
// project is empty. Events are untouched.
func (p *Projector) Clear(ctx context.Context, q storage.Queryer, project string) error {
	stmts := []string{
		`DELETE FROM message_recipients WHERE message_id IN (SELECT id FROM messages WHERE project_key = ?)`,
		`DELETE FROM messages WHERE project_key = ?`,
		`DELETE FROM reservations WHERE project_key = ?`,
		`DELETE FROM agents WHERE project_key = ?`,
	}
	if project == "" {
		stmts = []string{
			`DELETE FROM message_recipients`,
			`DELETE FROM messages`,
			`DELETE FROM reservations`,
			`DELETE FROM agents`,
		}
	}
	for _, stmt := range stmts {
		var err error
		if project == "" {
			_, err = q.Exec(ctx, stmt)
		} else {
			_, err = q.Exec(ctx, stmt, project)
		}
		if err != nil {
			return fmt.Errorf("clear projections: %w", err)
		}
	}
	return nil
}

// applier is the per-event visitor. A new event type without a method here
// fails to compile.
type applier struct {
	ctx    context.Context
	q      storage.Queryer
	ev     core.Event
	effect Effect
}

var _ core.Visitor = (*applier)(nil)

func (a *applier) exec(query string, args ...any) (storage.ExecResult, error) {
	return a.q.Exec(a.ctx, query, args...)
}

func (a *applier) AgentRegistered(p *core.AgentRegistered) error {
	_, err := a.exec(`
INSERT INTO agents (project_key, name, program, model, task_description, registered_at, last_active_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_key, name) DO UPDATE SET
  program = excluded.program,
  model = excluded.model,
  task_description = excluded.task_description,
  last_active_at = excluded.last_active_at`,
		a.ev.ProjectKey, p.Name, p.Program, p.Model, p.TaskDescription, a.ev.Timestamp, a.ev.Timestamp)
	return err
}

func (a *applier) AgentActive(p *core.AgentActive) error {
	_, err := a.exec(`
INSERT INTO agents (project_key, name, registered_at, last_active_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(project_key, name) DO UPDATE SET last_active_at = excluded.last_active_at`,
		a.ev.ProjectKey, p.Name, a.ev.Timestamp, a.ev.Timestamp)
	return err
}

// requireID rejects events that were never stored; row ids derive from the
// event id.
func (a *applier) requireID() error {
	if a.ev.ID <= 0 {
		return fmt.Errorf("%s event has no id", a.ev.Type)
	}
	return nil
}

// MessageSent stores the message under the event's id.
func (a *applier) MessageSent(p *core.MessageSent) error {
	if err := a.requireID(); err != nil {
		return err
	}
	var thread any
	if p.ThreadID != "" {
		thread = p.ThreadID
	}
	id := a.ev.ID
	_, err := a.exec(`
INSERT INTO messages (id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a.ev.ProjectKey, p.From, p.Subject, p.Body, thread, string(p.Importance.OrDefault()), boolInt(p.AckRequired), a.ev.Timestamp)
	if err != nil {
		return err
	}
	for _, to := range p.To {
		if _, err := a.exec(`INSERT INTO message_recipients (message_id, agent_name) VALUES (?, ?)`, id, to); err != nil {
			return err
		}
	}
	a.effect.MessageID = id
	return nil
}

func (a *applier) MessageRead(p *core.MessageRead) error {
	return a.stampRecipient(p.MessageID, p.Agent,
		`UPDATE message_recipients SET read_at = COALESCE(read_at, ?1)`)
}

func (a *applier) MessageAcked(p *core.MessageAcked) error {
	return a.stampRecipient(p.MessageID, p.Agent,
		`UPDATE message_recipients SET acked_at = COALESCE(acked_at, ?1), read_at = COALESCE(read_at, ?1)`)
}

func (a *applier) stampRecipient(messageID int64, agent, update string) error {
	res, err := a.exec(update+`
WHERE message_id = ?2 AND agent_name = ?3
  AND message_id IN (SELECT id FROM messages WHERE project_key = ?4)`,
		a.ev.Timestamp, messageID, agent, a.ev.ProjectKey)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %d has no recipient %q: %w", messageID, agent, core.ErrNotFound)
	}
	a.effect.MessageID = messageID
	return nil
}

// FileReserved inserts one row per path with ids from core.ReservationID.
func (a *applier) FileReserved(p *core.FileReserved) error {
	if err := a.requireID(); err != nil {
		return err
	}
	expires := p.ExpiresAt
	if expires == 0 {
		expires = a.ev.Timestamp + p.TTLSeconds*1000
	}
	for i, path := range p.Paths {
		id := core.ReservationID(a.ev.ID, i)
		_, err := a.exec(`
INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, a.ev.ProjectKey, p.Agent, path, boolInt(p.Exclusive), p.Reason, a.ev.Timestamp, expires)
		if err != nil {
			return err
		}
		a.effect.ReservationIDs = append(a.effect.ReservationIDs, id)
	}
	return nil
}

// FileReleased marks matching reservations released as of the event time.
// Only reservations active at that instant are touched, so replay gives the
// same result as the original fold.
func (a *applier) FileReleased(p *core.FileReleased) error {
	query := `UPDATE reservations SET released_at = ?
WHERE project_key = ? AND agent_name = ? AND released_at IS NULL AND expires_at > ?`
	args := []any{a.ev.Timestamp, a.ev.ProjectKey, p.Agent, a.ev.Timestamp}

	var selectors []string
	if len(p.ReservationIDs) > 0 {
		selectors = append(selectors, "id IN ("+placeholders(len(p.ReservationIDs))+")")
		for _, id := range p.ReservationIDs {
			args = append(args, id)
		}
	}
	if len(p.Paths) > 0 {
		selectors = append(selectors, "path_pattern IN ("+placeholders(len(p.Paths))+")")
		for _, path := range p.Paths {
			args = append(args, path)
		}
	}
	if len(selectors) > 0 {
		query += " AND (" + strings.Join(selectors, " OR ") + ")"
	}

	res, err := a.exec(query, args...)
	if err != nil {
		return err
	}
	a.effect.Released = res.RowsAffected
	return nil
}

func (a *applier) TaskStarted(p *core.TaskStarted) error     { return a.touch(p.Agent) }
func (a *applier) TaskProgress(p *core.TaskProgress) error   { return a.touch(p.Agent) }
func (a *applier) TaskCompleted(p *core.TaskCompleted) error { return a.touch(p.Agent) }
func (a *applier) TaskBlocked(p *core.TaskBlocked) error     { return a.touch(p.Agent) }

// touch bumps last_active_at for a known agent. Task events for unknown
// agents live only in the log.
func (a *applier) touch(agent string) error {
	_, err := a.exec(`UPDATE agents SET last_active_at = MAX(last_active_at, ?) WHERE project_key = ? AND name = ?`,
		a.ev.Timestamp, a.ev.ProjectKey, agent)
	return err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
