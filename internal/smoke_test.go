package internal_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/projection"
	"github.com/mistakeknot/interlock/internal/storage/remote"
	"github.com/mistakeknot/interlock/pkg/embedded"
)

func startServer(t *testing.T) *embedded.Server {
	t.Helper()
	for _, k := range []string{"INTERLOCK_CONFIG", "INTERLOCK_DB", "INTERLOCK_SOCKET", "INTERLOCK_ADDR", "INTERLOCK_PID_FILE", "INTERLOCK_REDIS_ADDR", "INTERLOCK_PURGE_SCHEDULE"} {
		t.Setenv(k, "")
	}
	s, err := embedded.New(context.Background(), embedded.Config{ProjectDir: t.TempDir(), Project: "smoke-proj", Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func agent(t *testing.T, s *embedded.Server) *coord.Coordinator {
	t.Helper()
	c, err := s.Coordinator("")
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(func() { c.Adapter().Close() })
	return c
}

// TestSmokeCoordinationFlow runs three agents, each with its own connection,
// through reservations, messaging and task events while a raw websocket
// watches the stream.
func TestSmokeCoordinationFlow(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.URL(), "http") + remote.RouteStream + "?project=smoke-proj&types=message_sent"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &http.Client{}})
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	a, b, c := agent(t, s), agent(t, s), agent(t, s)
	for name, co := range map[string]*coord.Coordinator{"AgentA": a, "AgentB": b, "AgentC": c} {
		if _, err := co.RegisterAgent(ctx, coord.AgentSpec{Name: name, Program: "smoke"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	// 1. AgentA claims the auth tree
	lease, conflicts, err := a.Reserve(ctx, "AgentA", []string{"src/auth/**"}, coord.ReserveOptions{Reason: "oauth rewrite", TTL: time.Hour})
	if err != nil || len(conflicts) != 0 {
		t.Fatalf("reserve: conflicts=%v err=%v", conflicts, err)
	}
	if err := a.RecordTaskStarted(ctx, "AgentA", "auth-1", "rewrite oauth"); err != nil {
		t.Fatalf("task started: %v", err)
	}

	// 2. AgentB is refused a strict claim and asks AgentA instead
	_, conflicts, err = b.Reserve(ctx, "AgentB", []string{"src/auth/oauth.ts"}, coord.ReserveOptions{FailOnConflict: true})
	var cerr *coord.ConflictError
	if !errors.As(err, &cerr) || len(conflicts) != 1 || conflicts[0].Holder != "AgentA" {
		t.Fatalf("expected conflict with AgentA, got conflicts=%v err=%v", conflicts, err)
	}
	askID, err := b.SendMessage(ctx, coord.Outgoing{
		From: "AgentB", To: []string{"AgentA"}, Subject: "oauth.ts",
		Body: "need to touch oauth.ts", ThreadID: "auth", Importance: core.ImportanceHigh, AckRequired: true,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// 3. the stream carries the message event
	var streamed map[string]any
	if err := wsjson.Read(ctx, conn, &streamed); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if streamed["type"] != string(core.EventMessageSent) {
		t.Fatalf("expected message_sent on stream, got %v", streamed["type"])
	}

	// 4. AgentA reads, acks, finishes, releases and replies in the thread
	inbox, err := a.Inbox(ctx, "AgentA", projection.InboxOptions{UnreadOnly: true, IncludeBodies: true})
	if err != nil || len(inbox) != 1 || inbox[0].ID != askID {
		t.Fatalf("inbox: %+v err=%v", inbox, err)
	}
	if err := a.ReadMessage(ctx, "AgentA", askID); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := a.AckMessage(ctx, "AgentA", askID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := a.RecordTaskCompleted(ctx, "AgentA", "auth-1", "done"); err != nil {
		t.Fatalf("task completed: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := a.SendMessage(ctx, coord.Outgoing{From: "AgentA", To: []string{"AgentB", "AgentC"}, Subject: "re: oauth.ts", Body: "all yours", ThreadID: "auth"}); err != nil {
		t.Fatalf("reply: %v", err)
	}

	recipients, err := b.RecipientStatus(ctx, askID)
	if err != nil || len(recipients) != 1 || recipients[0].ReadAt == nil || recipients[0].AckedAt == nil {
		t.Fatalf("recipient status: %+v err=%v", recipients, err)
	}
	thread, err := c.Thread(ctx, "auth")
	if err != nil || len(thread) != 2 || thread[0].From != "AgentB" || thread[1].From != "AgentA" {
		t.Fatalf("thread: %+v err=%v", thread, err)
	}

	// 5. AgentB now gets the file without conflict
	if _, conflicts, err := b.Reserve(ctx, "AgentB", []string{"src/auth/oauth.ts"}, coord.ReserveOptions{FailOnConflict: true}); err != nil || len(conflicts) != 0 {
		t.Fatalf("second reserve: conflicts=%v err=%v", conflicts, err)
	}

	// 6. a replay rebuilds the same views
	before, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if before.Agents != 3 || before.Messages != 2 || before.ActiveReservations != 1 {
		t.Fatalf("unexpected stats %+v", before)
	}
	if _, err := c.Replay(ctx, true); err != nil {
		t.Fatalf("replay: %v", err)
	}
	after, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after replay: %v", err)
	}
	if after != before {
		t.Fatalf("replay changed state: before %+v after %+v", before, after)
	}
	active, err := a.ActiveReservations(ctx, "")
	if err != nil || len(active) != 1 || active[0].AgentName != "AgentB" {
		t.Fatalf("active after replay: %+v err=%v", active, err)
	}
}
