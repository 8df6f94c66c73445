package coord

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
	"github.com/mistakeknot/interlock/internal/projection"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(sqlite.NewSQLiteTest(t), "proj", opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if _, err := c.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return c
}

func TestNewRequiresProject(t *testing.T) {
	if _, err := New(sqlite.NewSQLiteTest(t), ""); !errors.Is(err, ErrNoProject) {
		t.Fatalf("expected ErrNoProject, got %v", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.RegisterAgent(ctx, AgentSpec{Name: "AgentA", Program: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, conflicts, err := c.Reserve(ctx, "AgentA", []string{"src/x.ts"}, ReserveOptions{}); err != nil || len(conflicts) != 0 {
		t.Fatalf("reserve: %v (conflicts %v)", err, conflicts)
	}
	if _, err := c.SendMessage(ctx, Outgoing{From: "AgentA", To: []string{"AgentB"}, Subject: "Test"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	inbox, err := c.Inbox(ctx, "AgentB", projection.InboxOptions{Limit: 5})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Subject != "Test" || !inbox[0].Unread() {
		t.Fatalf("expected one unread Test message, got %+v", inbox)
	}

	// AgentC would collide before the release
	if conflicts, _ := c.CheckConflicts(ctx, "AgentC", []string{"src/x.ts"}); len(conflicts) != 1 {
		t.Fatalf("expected conflict before release, got %v", conflicts)
	}
	if _, err := c.Release(ctx, "AgentA", ReleaseSelector{}); err != nil {
		t.Fatalf("release all: %v", err)
	}
	_, conflicts, err := c.Reserve(ctx, "AgentC", []string{"src/x.ts"}, ReserveOptions{FailOnConflict: true})
	if err != nil || len(conflicts) != 0 {
		t.Fatalf("AgentC reserve: %v (conflicts %v)", err, conflicts)
	}
}

func TestRegisterAgentGeneratesName(t *testing.T) {
	c := newTestCoordinator(t)
	a, err := c.RegisterAgent(context.Background(), AgentSpec{Program: "codex"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Name == "" || a.Program != "codex" || a.ProjectKey != "proj" {
		t.Fatalf("unexpected agent %+v", a)
	}
	if _, err := c.RegisterAgent(context.Background(), AgentSpec{Name: "a/b"}); !core.IsValidation(err) {
		t.Fatalf("expected validation error for path-like name, got %v", err)
	}
}

func TestReadAndAckMessage(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	id, err := c.SendMessage(ctx, Outgoing{From: "AgentA", To: []string{"AgentB"}, Subject: "s", ThreadID: "t1", AckRequired: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.ReadMessage(ctx, "AgentB", id); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := c.AckMessage(ctx, "AgentB", id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := c.AckMessage(ctx, "AgentC", id); !IsNotFound(err) {
		t.Fatalf("ack by non-recipient should be not found, got %v", err)
	}
	status, err := c.RecipientStatus(ctx, id)
	if err != nil || len(status) != 1 || status[0].AckedAt == nil {
		t.Fatalf("unexpected status %+v (%v)", status, err)
	}
	thread, err := c.Thread(ctx, "t1")
	if err != nil || len(thread) != 1 {
		t.Fatalf("thread: %+v (%v)", thread, err)
	}
	evs, _ := c.Events(ctx, eventstore.Filter{Types: []core.EventType{core.EventMessageAcked}})
	if len(evs) != 1 {
		t.Fatalf("failed ack must not be recorded, got %d ack events", len(evs))
	}
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	lease, _, err := c.Reserve(ctx, "AgentA", []string{"a.go", "b.go"}, ReserveOptions{})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	other, _, err := c.Reserve(ctx, "AgentA", []string{"c.go"}, ReserveOptions{})
	if err != nil {
		t.Fatalf("reserve other: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := lease.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	active, _ := c.ActiveReservations(ctx, "AgentA")
	if len(active) != 1 || active[0].ID != other.IDs[0] {
		t.Fatalf("lease release must only free its own rows, got %+v", active)
	}
	evs, _ := c.Events(ctx, eventstore.Filter{Types: []core.EventType{core.EventFileReleased}})
	if len(evs) != 1 {
		t.Fatalf("expected a single file_released event, got %d", len(evs))
	}
}

func TestWithReservationReleasesOnPanic(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = c.WithReservation(ctx, "AgentA", []string{"src/**"}, ReserveOptions{}, func(*Lease) error {
			panic("worker crashed")
		})
	}()
	if active, _ := c.ActiveReservations(ctx, ""); len(active) != 0 {
		t.Fatalf("reservation leaked after panic: %+v", active)
	}

	wantErr := errors.New("task failed")
	err := c.WithReservation(ctx, "AgentA", []string{"src/**"}, ReserveOptions{}, func(l *Lease) error {
		if len(l.IDs) != 1 {
			t.Fatalf("expected one reservation id, got %v", l.IDs)
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if active, _ := c.ActiveReservations(ctx, ""); len(active) != 0 {
		t.Fatalf("reservation leaked after error: %+v", active)
	}
}

func TestReserveFailOnConflict(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if _, _, err := c.Reserve(ctx, "AgentA", []string{"src/auth/**"}, ReserveOptions{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, conflicts, err := c.Reserve(ctx, "AgentB", []string{"src/auth/oauth.ts"}, ReserveOptions{FailOnConflict: true})
	var ce *ConflictError
	if !errors.As(err, &ce) || len(conflicts) != 1 || ce.Conflicts[0].Holder != "AgentA" {
		t.Fatalf("expected ConflictError naming AgentA, got %v", err)
	}

	// advisory mode records the reservation and reports the conflict
	lease, conflicts, err := c.Reserve(ctx, "AgentB", []string{"src/auth/oauth.ts"}, Shared(ReserveOptions{}))
	if err != nil || len(conflicts) != 1 || lease == nil {
		t.Fatalf("advisory reserve: %v (conflicts %v)", err, conflicts)
	}
	if n, _ := c.CheckConflicts(ctx, "AgentC", []string{"src/other.ts"}); len(n) != 0 {
		t.Fatalf("unrelated path should not conflict, got %v", n)
	}
}

func TestReservationExpiresLazily(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c := newTestCoordinator(t, WithClock(clock))
	ctx := context.Background()

	if _, _, err := c.Reserve(ctx, "AgentA", []string{"x"}, ReserveOptions{TTL: time.Minute}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if active, _ := c.ActiveReservations(ctx, ""); len(active) != 0 {
		t.Fatalf("expired reservation still active: %+v", active)
	}
	if conflicts, _ := c.CheckConflicts(ctx, "AgentB", []string{"x"}); len(conflicts) != 0 {
		t.Fatalf("expired reservation should not conflict: %+v", conflicts)
	}
}

func TestTaskEventsAndStats(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if _, err := c.RegisterAgent(ctx, AgentSpec{Name: "AgentA"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	steps := []func() error{
		func() error { return c.RecordTaskStarted(ctx, "AgentA", "t1", "build") },
		func() error { return c.RecordTaskProgress(ctx, "AgentA", "t1", 50, "half") },
		func() error { return c.RecordTaskBlocked(ctx, "AgentA", "t1", "waiting on review") },
		func() error { return c.RecordTaskCompleted(ctx, "AgentA", "t1", "done") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := c.RecordTaskProgress(ctx, "AgentA", "t1", 150, ""); !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Events != 5 || s.Agents != 1 || s.LatestSequence != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestReplayAndReset(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if _, err := c.SendMessage(ctx, Outgoing{From: "AgentA", To: []string{"AgentB"}, Subject: "s"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := c.Replay(ctx, true)
	if err != nil || res.EventsReplayed != 1 {
		t.Fatalf("replay: %+v (%v)", res, err)
	}
	if inbox, _ := c.Inbox(ctx, "AgentB", projection.InboxOptions{}); len(inbox) != 1 {
		t.Fatalf("replay should rebuild the inbox, got %d", len(inbox))
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s, _ := c.Stats(ctx)
	if s.Events != 0 || s.Messages != 0 {
		t.Fatalf("reset left rows: %+v", s)
	}
	if seq, _ := c.LatestSequence(ctx); seq != 0 {
		t.Fatalf("reset is not an event, sequence should be 0, got %d", seq)
	}
}

// stuckAdapter never answers queries.
type stuckAdapter struct {
	storage.Adapter
	block chan struct{}
}

func (s *stuckAdapter) Query(context.Context, string, ...any) (*storage.Result, error) {
	<-s.block
	return nil, errors.New("unblocked")
}

func TestHealthCheck(t *testing.T) {
	c := newTestCoordinator(t)
	if !c.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy store")
	}

	stuck := &stuckAdapter{block: make(chan struct{})}
	t.Cleanup(func() { close(stuck.block) })
	slow, _ := New(stuck, "proj", WithHealthTimeout(50*time.Millisecond))
	start := time.Now()
	if slow.HealthCheck(context.Background()) {
		t.Fatalf("stuck adapter must report unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("health check did not honor its timeout")
	}

	db, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, _ := New(db, "proj")
	db.Close()
	if closed.HealthCheck(context.Background()) {
		t.Fatalf("closed adapter must report unhealthy")
	}
}

func TestOpenLocalConcurrentColdStart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "interlock.db")
	ctx := context.Background()

	const n = 4
	var wg sync.WaitGroup
	dbs := make([]*sqlite.Adapter, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dbs[i], _, errs[i] = OpenLocal(ctx, dbPath, LocalOptions{})
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("open %d: %v", i, errs[i])
		}
		t.Cleanup(func() { dbs[i].Close() })
	}

	c, err := New(dbs[0], "proj")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.RegisterAgent(ctx, AgentSpec{Name: "AgentA"}); err != nil {
		t.Fatalf("register after cold start: %v", err)
	}
	versions, err := storage.QueryInt(ctx, dbs[1], `SELECT COUNT(*) FROM schema_version`)
	if err != nil || versions != 5 {
		t.Fatalf("expected 5 schema versions once each, got %d (%v)", versions, err)
	}
}

func TestStrictReserveIsAtomicAcrossConnections(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "interlock.db")
	ctx := context.Background()

	const n = 6
	coords := make([]*Coordinator, n)
	for i := range coords {
		db, _, err := OpenLocal(ctx, dbPath, LocalOptions{})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		t.Cleanup(func() { db.Close() })
		if coords[i], err = New(db, "proj"); err != nil {
			t.Fatalf("new: %v", err)
		}
	}

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range coords {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// every agent claims an overlapping set
			_, _, errs[i] = coords[i].Reserve(ctx, "Agent"+string(rune('A'+i)),
				[]string{"src/auth/**", "src/auth/token.go"}, ReserveOptions{FailOnConflict: true})
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for i, err := range errs {
		var ce *ConflictError
		switch {
		case err == nil:
			won++
		case errors.As(err, &ce):
		default:
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one strict reservation to win, got %d", won)
	}
	active, err := coords[0].ActiveReservations(ctx, "")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	holders := map[string]bool{}
	for _, r := range active {
		holders[r.AgentName] = true
	}
	if len(holders) != 1 {
		t.Fatalf("expected one holder, got %+v", active)
	}
}
