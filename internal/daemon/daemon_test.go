package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/notify"
	"github.com/mistakeknot/interlock/internal/storage/remote"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

const childEnv = "INTERLOCK_TEST_DAEMON_DIR"

// TestMain doubles as the daemon executable for Start: a child launched
// with childEnv set serves that project until SIGTERM.
func TestMain(m *testing.M) {
	if dir := os.Getenv(childEnv); dir != "" {
		os.Exit(runChild(dir))
	}
	os.Exit(m.Run())
}

func runChild(dir string) int {
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := Run(ctx, cfg, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	for _, k := range []string{
		"INTERLOCK_CONFIG", "INTERLOCK_DB", "INTERLOCK_SOCKET", "INTERLOCK_ADDR",
		"INTERLOCK_PID_FILE", "INTERLOCK_KEYS_FILE", "INTERLOCK_REDIS_ADDR", "INTERLOCK_PURGE_SCHEDULE",
	} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Daemon.StreamPollMS = 20
	return cfg
}

// serve runs the daemon in-process and waits for it to answer health.
func serve(t *testing.T, cfg config.Config) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if h, err := checkHealth(context.Background(), cfg); err == nil && h.Healthy {
			break
		}
		select {
		case err := <-done:
			stop()
			t.Fatalf("daemon exited: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("daemon not healthy in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	var stopped bool
	var result error
	cancel = func() error {
		if !stopped {
			stopped = true
			stop()
			result = <-done
		}
		return result
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	return cmd.Process.Pid
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/run/daemon.pid"
	if _, err := ReadPIDFile(path); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for missing file, got %v", err)
	}
	want := PIDInfo{PID: os.Getpid(), StartedAt: time.Now().UTC().Truncate(time.Second), Socket: "/tmp/x.sock"}
	if err := WritePIDFile(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.PID != want.PID || !got.StartedAt.Equal(want.StartedAt) || got.Socket != want.Socket {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
	if info, ok := running(path); !ok || info.PID != os.Getpid() {
		t.Fatalf("expected own pid reported running")
	}

	// a successor's file is left alone
	removePIDFile(path, want.PID+1)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pid file removed for wrong pid: %v", err)
	}
	removePIDFile(path, want.PID)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
}

func TestStalePIDFileIsCleared(t *testing.T) {
	path := t.TempDir() + "/daemon.pid"
	if err := WritePIDFile(path, PIDInfo{PID: deadPID(t)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := running(path); ok {
		t.Fatalf("dead pid reported running")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid file removed, stat err=%v", err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, ok := running(path); ok {
		t.Fatalf("corrupt pid file reported running")
	}
}

func TestRunServesAndConnectPrefersDaemon(t *testing.T) {
	cfg := testConfig(t)
	stop := serve(t, cfg)
	ctx := context.Background()

	info, err := ReadPIDFile(cfg.Daemon.PIDFile)
	if err != nil || info.PID != os.Getpid() || info.Socket != cfg.Daemon.SocketPath {
		t.Fatalf("unexpected pid file %+v err=%v", info, err)
	}
	if err := Run(ctx, cfg, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	st := Status(ctx, cfg)
	if !st.Running || st.HealthErr != nil || !st.Health.Healthy || st.Health.DBPath != cfg.DBPath {
		t.Fatalf("unexpected status %+v", st)
	}

	db, err := Connect(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := db.(*remote.Adapter); !ok {
		t.Fatalf("expected remote adapter while daemon runs, got %T", db)
	}
	c, err := coord.New(db, cfg.Project)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := c.RegisterAgent(ctx, coord.AgentSpec{Name: "AgentA"}); err != nil {
		t.Fatalf("register over daemon: %v", err)
	}
	db.Close()

	if err := stop(); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if _, err := os.Stat(cfg.Daemon.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed on shutdown, stat err=%v", err)
	}
	if _, err := os.Stat(cfg.Daemon.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed on shutdown, stat err=%v", err)
	}
	if st := Status(ctx, cfg); st.Running {
		t.Fatalf("expected not running after shutdown")
	}

	db, err = Connect(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("connect local: %v", err)
	}
	defer db.Close()
	if _, ok := db.(*sqlite.Adapter); !ok {
		t.Fatalf("expected local adapter without daemon, got %T", db)
	}
	c, err = coord.New(db, cfg.Project)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := c.Agent(ctx, "AgentA"); err != nil {
		t.Fatalf("agent registered through daemon missing locally: %v", err)
	}
}

func TestConcurrentNewStartsOneDaemon(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	type result struct {
		d   *Daemon
		err error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			d, err := New(ctx, cfg, nil)
			results <- result{d, err}
		}()
	}
	var won *Daemon
	var lost error
	for range 2 {
		r := <-results
		if r.err == nil {
			if won != nil {
				won.Close()
				r.d.Close()
				t.Fatalf("both starts succeeded")
			}
			won = r.d
			continue
		}
		lost = r.err
	}
	if won == nil {
		t.Fatalf("no start succeeded: %v", lost)
	}
	defer won.Close()
	if !errors.Is(lost, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", lost)
	}
	info, err := ReadPIDFile(cfg.Daemon.PIDFile)
	if err != nil || info.Socket != won.SocketPath() {
		t.Fatalf("pid file must be written before New returns: %+v err=%v", info, err)
	}
}

func TestNewKeepsLiveSocketWithoutPIDFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.PIDFile = ""
	first, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer first.Close()

	if _, err := New(context.Background(), cfg, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := os.Stat(cfg.Daemon.SocketPath); err != nil {
		t.Fatalf("first daemon's socket removed: %v", err)
	}
}

func TestCloseUnservedDaemon(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(cfg.Daemon.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	d, err = New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new after close: %v", err)
	}
	d.Close()
}

func TestNewFailureReleasesDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Purge.Schedule = "not a schedule"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected bad purge schedule to fail")
	}
	cfg.Purge.Schedule = "@every 1h"
	d, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new after failure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Serve(ctx); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestDaemonPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	serve(t, cfg)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan core.Event, 4)
	go func() {
		_ = notify.Subscribe(ctx, rdb, cfg.Redis.Channel, cfg.Project, func(ev core.Event) error {
			got <- ev
			return nil
		})
	}()
	channel := notify.Channel(cfg.Redis.Channel, cfg.Project)
	for {
		n, err := rdb.PubSubNumSub(ctx, channel).Result()
		if err == nil && n[channel] == 1 {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("subscription never became live")
		}
		time.Sleep(10 * time.Millisecond)
	}

	db, err := Connect(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	c, err := coord.New(db, cfg.Project)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := c.RegisterAgent(ctx, coord.AgentSpec{Name: "AgentA"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != core.EventAgentRegistered || ev.ProjectKey != cfg.Project {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("event never published")
	}
}

func TestStartStopChildProcess(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(childEnv, cfg.ProjectDir)
	ctx := context.Background()

	info, err := Start(ctx, cfg, os.Args[0], nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _, _ = Stop(context.Background(), cfg) })
	if info.PID == os.Getpid() || !info.Alive() {
		t.Fatalf("expected a live child daemon, got %+v", info)
	}
	if _, err := Start(ctx, cfg, os.Args[0], nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	st := Status(ctx, cfg)
	if !st.Running || !st.Health.Healthy || st.Health.PID != info.PID {
		t.Fatalf("unexpected status %+v", st)
	}

	stopped, err := Stop(ctx, cfg)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.PID != info.PID {
		t.Fatalf("stopped pid %d, started %d", stopped.PID, info.PID)
	}
	if _, err := os.Stat(cfg.Daemon.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	if _, err := Stop(ctx, cfg); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartReportsEarlyExit(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Start(context.Background(), cfg, "false", nil); err == nil {
		t.Fatalf("expected failure when the daemon exits immediately")
	}
	if _, err := os.Stat(cfg.Daemon.LogFile); err != nil {
		t.Fatalf("expected daemon log created: %v", err)
	}
}
