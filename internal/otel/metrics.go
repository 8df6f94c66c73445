package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every interlock instrument. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	EventsAppended  metric.Int64Counter
	AppendDuration  metric.Float64Histogram
	LockWait        metric.Float64Histogram
	ConflictsFound  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	HealthChecks    metric.Int64Counter
	OpenTx          metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter("interlock.events.appended",
		metric.WithDescription("Events committed to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.AppendDuration, err = meter.Float64Histogram("interlock.append.duration",
		metric.WithDescription("Append transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWait, err = meter.Float64Histogram("interlock.lock.wait",
		metric.WithDescription("Time spent waiting for the init lock in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsFound, err = meter.Int64Counter("interlock.conflicts.found",
		metric.WithDescription("Reservation conflicts reported to callers"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("interlock.daemon.request.duration",
		metric.WithDescription("Daemon request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthChecks, err = meter.Int64Counter("interlock.health.checks",
		metric.WithDescription("Health checks by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.OpenTx, err = meter.Int64UpDownCounter("interlock.daemon.open_tx",
		metric.WithDescription("Server-side transactions currently open"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordAppend(ctx context.Context, eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
	m.AppendDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordLockWait(ctx context.Context, d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.LockWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("acquired", acquired)))
}

func (m *Metrics) RecordConflicts(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ConflictsFound.Add(ctx, int64(n))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrRoute.String(route)))
}

func (m *Metrics) RecordHealth(ctx context.Context, healthy bool) {
	if m == nil {
		return
	}
	m.HealthChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("healthy", healthy)))
}

func (m *Metrics) AddOpenTx(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.OpenTx.Add(ctx, delta)
}
