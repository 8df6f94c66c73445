package coord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultReservationTTL applies when ReserveOptions.TTL is zero.
const DefaultReservationTTL = 30 * time.Minute

// ReserveOptions tunes a reservation. Exclusive is a pointer so the zero
// value means exclusive.
type ReserveOptions struct {
	Exclusive *bool
	Reason    string
	TTL       time.Duration
	// FailOnConflict refuses the reservation when another agent holds an
	// overlapping exclusive claim. Without it conflicts are only reported.
	FailOnConflict bool
}

func (o ReserveOptions) exclusive() bool { return o.Exclusive == nil || *o.Exclusive }

// Shared marks a ReserveOptions as non-exclusive.
func Shared(o ReserveOptions) ReserveOptions {
	f := false
	o.Exclusive = &f
	return o
}

// ConflictError is returned by Reserve with FailOnConflict when the request
// overlaps other agents' exclusive reservations.
type ConflictError struct {
	Conflicts []core.Conflict
}

func (e *ConflictError) Error() string {
	holders := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		holders = append(holders, fmt.Sprintf("%s held by %s (%s)", c.Path, c.Holder, c.Pattern))
	}
	return "reservation conflict: " + strings.Join(holders, ", ")
}

// Lease is the handle for one successful Reserve. Release is idempotent and
// safe to defer.
type Lease struct {
	c         *Coordinator
	Agent     string
	Paths     []string
	IDs       []int64
	ExpiresAt int64

	once       sync.Once
	releaseErr error
}

// Release frees exactly the reservations this lease created.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if len(l.IDs) == 0 {
			return
		}
		_, l.releaseErr = l.c.Release(ctx, l.Agent, ReleaseSelector{IDs: l.IDs})
	})
	return l.releaseErr
}

// Reserve records file_reserved for paths. Conflicts with other agents'
// active exclusive reservations are returned alongside the lease; the check
// is advisory unless opts.FailOnConflict is set. The check runs in the same
// transaction as the append, so two strict reservations of overlapping
// paths cannot both succeed.
func (c *Coordinator) Reserve(ctx context.Context, agent string, paths []string, opts ReserveOptions) (*Lease, []core.Conflict, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	expires := c.now().Add(ttl).UnixMilli()

	var conflicts []core.Conflict
	check := func(ctx context.Context, q storage.Queryer) error {
		var err error
		conflicts, err = c.read.On(q).CheckConflicts(ctx, c.project, agent, paths)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 && opts.FailOnConflict {
			return &ConflictError{Conflicts: conflicts}
		}
		return nil
	}
	res, err := c.store.AppendIf(ctx, c.event(&core.FileReserved{
		Agent:      agent,
		Paths:      paths,
		Exclusive:  opts.exclusive(),
		Reason:     opts.Reason,
		TTLSeconds: int64(ttl / time.Second),
		ExpiresAt:  expires,
	}), check)
	c.metrics.RecordConflicts(ctx, len(conflicts))
	if err != nil {
		return nil, conflicts, err
	}
	if len(conflicts) > 0 {
		c.log.Warn("reservation overlaps active reservations", "agent", agent, "conflicts", len(conflicts))
	}
	return &Lease{c: c, Agent: agent, Paths: paths, IDs: res.Effect.ReservationIDs, ExpiresAt: expires}, conflicts, nil
}

// WithReservation reserves paths, runs fn and releases the lease on every
// exit path including panics. Release errors are returned only when fn
// succeeded.
func (c *Coordinator) WithReservation(ctx context.Context, agent string, paths []string, opts ReserveOptions, fn func(*Lease) error) (err error) {
	lease, _, err := c.Reserve(ctx, agent, paths, opts)
	if err != nil {
		return err
	}
	defer func() {
		// rows must be freed even when ctx is already cancelled
		relErr := lease.Release(context.WithoutCancel(ctx))
		if relErr != nil {
			c.log.Warn("release after scoped reservation failed", "agent", agent, "error", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()
	return fn(lease)
}

// ReleaseSelector picks which of an agent's active reservations to free.
// IDs and Paths (exact patterns) are alternatives; empty means all.
type ReleaseSelector struct {
	Paths []string
	IDs   []int64
}

// Release records file_released and returns how many rows it freed.
func (c *Coordinator) Release(ctx context.Context, agent string, sel ReleaseSelector) (int64, error) {
	res, err := c.Append(ctx, &core.FileReleased{Agent: agent, Paths: sel.Paths, ReservationIDs: sel.IDs})
	if err != nil {
		return 0, err
	}
	return res.Effect.Released, nil
}

// ActiveReservations lists active reservations oldest first; agent is
// optional.
func (c *Coordinator) ActiveReservations(ctx context.Context, agent string) ([]core.Reservation, error) {
	return c.read.ActiveReservations(ctx, c.project, agent)
}

// CheckConflicts reports other agents' active exclusive reservations that
// cover any of paths. Own reservations never conflict.
func (c *Coordinator) CheckConflicts(ctx context.Context, agent string, paths []string) ([]core.Conflict, error) {
	conflicts, err := c.read.CheckConflicts(ctx, c.project, agent, paths)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordConflicts(ctx, len(conflicts))
	return conflicts, nil
}
