package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/interlock/internal/storage"
)

// replayPage bounds how many events are decoded at once during replay.
const replayPage = 500

// ReplayResult summarizes a replay.
type ReplayResult struct {
	EventsReplayed int
	Duration       time.Duration
}

// Replay re-folds the events matching f into the projections inside one
// transaction. With clearViews the projection rows are deleted first, scoped
// to f.ProjectKey when set. Message and reservation ids derive from event
// ids, so a project-scoped replay leaves other projects' rows alone.
// Replaying without clearing fails on rows that already exist.
func (s *Store) Replay(ctx context.Context, f Filter, clearViews bool) (ReplayResult, error) {
	start := time.Now()
	replayed := 0
	limit := f.Limit

	err := storage.WithTx(ctx, s.db, func(tx storage.Tx) error {
		if clearViews {
			if err := s.projector.Clear(ctx, tx, f.ProjectKey); err != nil {
				return err
			}
		}
		page := f
		for {
			page.Limit = replayPage
			if limit > 0 && limit-replayed < replayPage {
				page.Limit = limit - replayed
			}
			if page.Limit == 0 {
				return nil
			}
			evs, err := readEvents(ctx, tx, page)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if _, err := s.projector.Apply(ctx, tx, ev); err != nil {
					return fmt.Errorf("replay: %w", err)
				}
			}
			replayed += len(evs)
			if len(evs) < page.Limit {
				return nil
			}
			page.Offset = 0
			page.AfterSequence = evs[len(evs)-1].Sequence
		}
	})
	if err != nil {
		return ReplayResult{}, err
	}

	s.log.Info("replay complete", "project", f.ProjectKey, "events", replayed, "cleared", clearViews, "duration", time.Since(start))
	return ReplayResult{EventsReplayed: replayed, Duration: time.Since(start)}, nil
}
