package migrate

import (
	"context"
	"fmt"

	"github.com/mistakeknot/interlock/internal/storage"
)

type tableColumn struct {
	Name string
	PK   int
}

func tableColumns(ctx context.Context, q storage.Queryer, table string) ([]tableColumn, error) {
	res, err := q.Query(ctx, `SELECT name, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	cols := make([]tableColumn, 0, res.Len())
	err = res.Each(func(r storage.Row) error {
		var c tableColumn
		if err := r.Scan(&c.Name, &c.PK); err != nil {
			return err
		}
		cols = append(cols, c)
		return nil
	})
	return cols, err
}

func hasColumn(columns []tableColumn, name string) bool {
	for _, col := range columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// selfHeal converges the agents table onto the canonical column set. It
// exists for databases created outside Run; each repair is logged at WARN.
func (m *Manager) selfHeal(ctx context.Context) (healed, warnings []string) {
	cols, err := tableColumns(ctx, m.db, "agents")
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("inspect agents: %v", err))
		m.log.Warn("self-heal: inspect agents failed", "error", err)
		return nil, warnings
	}
	if len(cols) == 0 {
		// nothing to heal until the agents migration has run
		return nil, nil
	}
	for _, key := range agentKeyColumns {
		if !hasColumn(cols, key) {
			msg := fmt.Sprintf("agents is missing key column %q; cannot repair in place", key)
			warnings = append(warnings, msg)
			m.log.Warn("self-heal: " + msg)
		}
	}
	for _, c := range canonicalAgentColumns {
		if hasColumn(cols, c.Name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE agents ADD COLUMN %s %s", c.Name, c.Definition)
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			msg := fmt.Sprintf("add agents.%s: %v", c.Name, err)
			warnings = append(warnings, msg)
			m.log.Warn("self-heal: add column failed", "column", c.Name, "error", err)
			continue
		}
		healed = append(healed, "agents."+c.Name)
		m.log.Warn("self-heal: added missing column", "table", "agents", "column", c.Name)
	}
	return healed, warnings
}
