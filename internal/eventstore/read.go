package eventstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Filter selects events. Zero fields do not constrain. Since and Until are
// inclusive unix-ms bounds on the event timestamp.
type Filter struct {
	ProjectKey    string
	Types         []core.EventType
	Since         int64
	Until         int64
	AfterSequence int64
	Limit         int
	Offset        int
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectKey != "" {
		clauses = append(clauses, "project_key = ?")
		args = append(args, f.ProjectKey)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "type IN ("+strings.Join(marks, ",")+")")
	}
	if f.Since > 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until)
	}
	if f.AfterSequence > 0 {
		clauses = append(clauses, "sequence > ?")
		args = append(args, f.AfterSequence)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Read returns events matching f in ascending sequence order.
func (s *Store) Read(ctx context.Context, f Filter) ([]core.Event, error) {
	return readEvents(ctx, s.db, f)
}

func readEvents(ctx context.Context, q storage.Queryer, f Filter) ([]core.Event, error) {
	where, args := f.where()
	query := `SELECT id, type, project_key, timestamp, sequence, data FROM events` + where + ` ORDER BY sequence`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	res, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]core.Event, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		var (
			ev   core.Event
			typ  string
			data []byte
		)
		if err := row.Scan(&ev.ID, &typ, &ev.ProjectKey, &ev.Timestamp, &ev.Sequence, &data); err != nil {
			return err
		}
		ev.Type = core.EventType(typ)
		p, err := core.DecodePayload(ev.Type, data)
		if err != nil {
			return fmt.Errorf("decode event #%d: %w", ev.Sequence, err)
		}
		ev.Payload = p
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
