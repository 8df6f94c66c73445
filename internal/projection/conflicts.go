package projection

import (
	"context"
	"fmt"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// CheckConflicts reports, for each requested path, every active exclusive
// reservation held by an agent other than requester that covers it. Paths
// may be concrete or patterns. The check is advisory and never blocks.
func (r *Reader) CheckConflicts(ctx context.Context, project, requester string, paths []string) ([]core.Conflict, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	res, err := r.q.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
WHERE project_key = ? AND agent_name != ? AND exclusive = 1
  AND released_at IS NULL AND expires_at > ?
ORDER BY created_at, id`, project, requester, r.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("check conflicts: %w", err)
	}

	held := make([]core.Reservation, 0, res.Len())
	err = res.Each(func(row storage.Row) error {
		rv, err := scanReservation(row)
		if err != nil {
			return err
		}
		held = append(held, rv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var conflicts []core.Conflict
	for _, path := range paths {
		for _, h := range held {
			hit, err := r.matcher.Conflicts(h.PathPattern, path)
			if err != nil {
				return nil, fmt.Errorf("check conflicts: %w", err)
			}
			if !hit {
				continue
			}
			conflicts = append(conflicts, core.Conflict{
				Path:          path,
				Holder:        h.AgentName,
				Pattern:       h.PathPattern,
				Exclusive:     h.Exclusive,
				ReservationID: h.ID,
				ExpiresAt:     h.ExpiresAt,
			})
		}
	}
	return conflicts, nil
}
