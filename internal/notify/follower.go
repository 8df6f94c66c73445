package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
)

const followPage = 200

// EventSource is the read side of the event store.
type EventSource interface {
	Read(ctx context.Context, f eventstore.Filter) ([]core.Event, error)
}

// Follower publishes events appended by any client of the daemon. It
// tails the log from a sequence watermark, waking on Wake or every poll.
type Follower struct {
	src  EventSource
	pub  *Publisher
	poll time.Duration
	wake chan struct{}
	log  *slog.Logger
}

func NewFollower(src EventSource, pub *Publisher, poll time.Duration, log *slog.Logger) *Follower {
	if poll <= 0 {
		poll = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Follower{
		src:  src,
		pub:  pub,
		poll: poll,
		wake: make(chan struct{}, 1),
		log:  log.With("component", "notify"),
	}
}

// Wake asks the follower to look for new events now. It never blocks.
func (f *Follower) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run publishes every event with a sequence above after until ctx ends.
// An event whose publish fails is retried on the next pass.
func (f *Follower) Run(ctx context.Context, after int64) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		after = f.drain(ctx, after)
		select {
		case <-ctx.Done():
			return nil
		case <-f.wake:
		case <-ticker.C:
		}
	}
}

func (f *Follower) drain(ctx context.Context, after int64) int64 {
	for {
		evs, err := f.src.Read(ctx, eventstore.Filter{AfterSequence: after, Limit: followPage})
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn("read events", "after", after, "error", err)
			}
			return after
		}
		for _, ev := range evs {
			if err := f.pub.Publish(ctx, ev); err != nil {
				f.log.Warn("publish failed", "sequence", ev.Sequence, "error", err)
				return after
			}
			after = ev.Sequence
		}
		if len(evs) < followPage {
			return after
		}
	}
}
