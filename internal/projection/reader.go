package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
	"github.com/mistakeknot/interlock/internal/storage"
)

const (
	DefaultInboxLimit = 5
	MaxInboxLimit     = 50
)

// InboxOptions narrows an inbox listing.
type InboxOptions struct {
	Limit         int
	UrgentOnly    bool
	UnreadOnly    bool
	IncludeBodies bool
}

func (o InboxOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultInboxLimit
	case o.Limit > MaxInboxLimit:
		return MaxInboxLimit
	}
	return o.Limit
}

// Stats are row counts for one project.
type Stats struct {
	Events             int64 `json:"events"`
	Agents             int64 `json:"agents"`
	Messages           int64 `json:"messages"`
	ActiveReservations int64 `json:"active_reservations"`
	LatestSequence     int64 `json:"latest_sequence"`
}

// Reader answers queries from the projection tables.
type Reader struct {
	q       storage.Queryer
	now     func() time.Time
	matcher *glob.Matcher
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithClock overrides the time used to evaluate reservation expiry.
func WithClock(now func() time.Time) ReaderOption {
	return func(r *Reader) { r.now = now }
}

func NewReader(q storage.Queryer, opts ...ReaderOption) *Reader {
	r := &Reader{q: q, now: time.Now, matcher: &glob.Matcher{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On returns a Reader over q that shares r's clock and pattern cache, for
// reads inside a transaction.
func (r *Reader) On(q storage.Queryer) *Reader {
	return &Reader{q: q, now: r.now, matcher: r.matcher}
}

func (r *Reader) nowMillis() int64 { return r.now().UnixMilli() }

const agentColumns = `project_key, name, program, model, task_description, registered_at, last_active_at`

func scanAgent(row storage.Row) (core.Agent, error) {
	var a core.Agent
	err := row.Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.RegisteredAt, &a.LastActiveAt)
	return a, err
}

// Agents lists a project's agents in registration order.
func (r *Reader) Agents(ctx context.Context, project string) ([]core.Agent, error) {
	res, err := r.q.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE project_key = ? ORDER BY registered_at, name`, project)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]core.Agent, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		a, err := scanAgent(row)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (r *Reader) Agent(ctx context.Context, project, name string) (core.Agent, error) {
	res, err := r.q.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE project_key = ? AND name = ?`, project, name)
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	if res.Len() == 0 {
		return core.Agent{}, fmt.Errorf("agent %q: %w", name, core.ErrNotFound)
	}
	return scanAgent(res.Row(0))
}

const messageColumns = `m.id, m.project_key, m.from_agent, m.subject, m.body, m.thread_id, m.importance, m.ack_required, m.created_at`

func scanMessage(row storage.Row, extra ...any) (core.Message, error) {
	var (
		m          core.Message
		thread     *string
		importance string
	)
	dest := append([]any{&m.ID, &m.ProjectKey, &m.From, &m.Subject, &m.Body, &thread, &importance, &m.AckRequired, &m.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return core.Message{}, err
	}
	if thread != nil {
		m.ThreadID = *thread
	}
	m.Importance = core.Importance(importance)
	return m, nil
}

// Inbox lists messages addressed to agent, newest first.
func (r *Reader) Inbox(ctx context.Context, project, agent string, opts InboxOptions) ([]core.InboxEntry, error) {
	query := `SELECT ` + messageColumns + `, mr.read_at, mr.acked_at
FROM message_recipients mr JOIN messages m ON m.id = mr.message_id
WHERE m.project_key = ? AND mr.agent_name = ?`
	args := []any{project, agent}
	if opts.UrgentOnly {
		query += ` AND m.importance = ?`
		args = append(args, string(core.ImportanceUrgent))
	}
	if opts.UnreadOnly {
		query += ` AND mr.read_at IS NULL`
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, opts.limit())

	res, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	out := make([]core.InboxEntry, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		var e core.InboxEntry
		m, err := scanMessage(row, &e.ReadAt, &e.AckedAt)
		if err != nil {
			return err
		}
		if !opts.IncludeBodies {
			m.Body = ""
		}
		e.Message = m
		out = append(out, e)
		return nil
	})
	return out, err
}

func (r *Reader) Message(ctx context.Context, project string, id int64) (core.Message, error) {
	res, err := r.q.Query(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.project_key = ? AND m.id = ?`, project, id)
	if err != nil {
		return core.Message{}, fmt.Errorf("get message: %w", err)
	}
	if res.Len() == 0 {
		return core.Message{}, fmt.Errorf("message %d: %w", id, core.ErrNotFound)
	}
	return scanMessage(res.Row(0))
}

// ThreadMessages returns a thread in chronological order.
func (r *Reader) ThreadMessages(ctx context.Context, project, threadID string) ([]core.Message, error) {
	res, err := r.q.Query(ctx, `SELECT `+messageColumns+` FROM messages m
WHERE m.project_key = ? AND m.thread_id = ? ORDER BY m.created_at, m.id`, project, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	out := make([]core.Message, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// RecipientStatus returns the per-recipient read/ack state of a message.
func (r *Reader) RecipientStatus(ctx context.Context, project string, messageID int64) ([]core.Recipient, error) {
	res, err := r.q.Query(ctx, `SELECT mr.message_id, mr.agent_name, mr.read_at, mr.acked_at
FROM message_recipients mr JOIN messages m ON m.id = mr.message_id
WHERE m.project_key = ? AND mr.message_id = ? ORDER BY mr.agent_name`, project, messageID)
	if err != nil {
		return nil, fmt.Errorf("recipient status: %w", err)
	}
	if res.Len() == 0 {
		return nil, fmt.Errorf("message %d: %w", messageID, core.ErrNotFound)
	}
	out := make([]core.Recipient, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		var rc core.Recipient
		if err := row.Scan(&rc.MessageID, &rc.AgentName, &rc.ReadAt, &rc.AckedAt); err != nil {
			return err
		}
		out = append(out, rc)
		return nil
	})
	return out, err
}

const reservationColumns = `id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at`

func scanReservation(row storage.Row) (core.Reservation, error) {
	var res core.Reservation
	err := row.Scan(&res.ID, &res.ProjectKey, &res.AgentName, &res.PathPattern, &res.Exclusive, &res.Reason,
		&res.CreatedAt, &res.ExpiresAt, &res.ReleasedAt)
	return res, err
}

// ActiveReservations lists unreleased, unexpired reservations oldest first.
// An empty agent lists every holder.
func (r *Reader) ActiveReservations(ctx context.Context, project, agent string) ([]core.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`
	args := []any{project, r.nowMillis()}
	if agent != "" {
		query += ` AND agent_name = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY created_at, id`

	res, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active reservations: %w", err)
	}
	out := make([]core.Reservation, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		rv, err := scanReservation(row)
		if err != nil {
			return err
		}
		out = append(out, rv)
		return nil
	})
	return out, err
}

func (r *Reader) Stats(ctx context.Context, project string) (Stats, error) {
	var (
		s   Stats
		err error
	)
	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&s.Events, `SELECT COUNT(*) FROM events WHERE project_key = ?`, []any{project}},
		{&s.Agents, `SELECT COUNT(*) FROM agents WHERE project_key = ?`, []any{project}},
		{&s.Messages, `SELECT COUNT(*) FROM messages WHERE project_key = ?`, []any{project}},
		{&s.ActiveReservations, `SELECT COUNT(*) FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`, []any{project, r.nowMillis()}},
		{&s.LatestSequence, `SELECT MAX(sequence) FROM events WHERE project_key = ?`, []any{project}},
	}
	for _, c := range counts {
		if *c.dst, err = storage.QueryInt(ctx, r.q, c.query, c.args...); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return s, nil
}
