// Package daemon runs the process that owns a project's database and
// serves it to every other process over a unix socket, and controls that
// process from the command line: start, stop, status, and connect.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/notify"
	iotel "github.com/mistakeknot/interlock/internal/otel"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/sweep"
	"github.com/mistakeknot/interlock/internal/ws"
)

// Daemon is the serving stack over one open database. Build it with New
// and run it with Serve.
type Daemon struct {
	cfg      config.Config
	log      *slog.Logger
	provider *iotel.Provider
	db       storage.Adapter
	store    *eventstore.Store
	hub      *ws.Hub
	svc      *httpapi.Service
	srv      *server.Server
	sweeper  *sweep.Sweeper
	rdb      *redis.Client
	follower *notify.Follower
	wake     wakeAll
	pid      PIDInfo
}

// wakeAll fans a write notification out to every stream consumer.
type wakeAll []httpapi.Waker

func (w wakeAll) Wake() {
	for _, x := range w {
		x.Wake()
	}
}

func lockOptions(cfg config.Config, log *slog.Logger, m *iotel.Metrics) []lock.Option {
	return []lock.Option{
		lock.WithPollInterval(cfg.Lock.PollInterval()),
		lock.WithTimeout(cfg.Lock.Timeout()),
		lock.WithStaleAfter(cfg.Lock.StaleAfter()),
		lock.WithLogger(log),
		lock.WithMetrics(m),
	}
}

// startLockKey names the file whose lock serializes daemon start-up. It is
// distinct from the database init lock, which OpenLocal takes underneath.
func startLockKey(cfg config.Config) string {
	if cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return cfg.DBPath + ".daemon"
}

// New opens and migrates the database, assembles the stack, binds the
// listeners and records the PID file. Nothing is served until Serve. The
// whole sequence runs under a start lock, so of two concurrent callers one
// wins and the other gets ErrAlreadyRunning.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *Daemon, err error) {
	if log == nil {
		log = slog.Default()
	}
	release, err := lock.AcquireInitLock(ctx, startLockKey(cfg), lockOptions(cfg, log, nil)...)
	if err != nil {
		return nil, fmt.Errorf("acquire start lock: %w", err)
	}
	defer release()
	if info, ok := running(cfg.Daemon.PIDFile); ok {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}

	d := &Daemon{cfg: cfg, log: log.With("component", "daemon")}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.provider, err = iotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := iotel.NewMetrics(d.provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	db, rep, err := coord.OpenLocal(ctx, cfg.DBPath, coord.LocalOptions{
		Logger: log,
		Lock:   lockOptions(cfg, log, metrics),
	})
	if err != nil {
		return nil, err
	}
	d.db = db
	d.log.Debug("schema ready", "version", rep.To, "healed", len(rep.SelfHealed))

	d.store = eventstore.New(db,
		eventstore.WithLogger(log),
		eventstore.WithMetrics(metrics),
		eventstore.WithTracer(d.provider.Tracer),
	)
	d.hub = ws.NewHub(d.store, ws.WithPollInterval(cfg.Daemon.StreamPoll()), ws.WithLogger(log))
	d.wake = wakeAll{d.hub}

	if cfg.Redis.Addr != "" {
		d.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pub := notify.NewPublisher(d.rdb, cfg.Redis.Channel, log)
		d.follower = notify.NewFollower(d.store, pub, cfg.Daemon.StreamPoll(), log)
		d.wake = append(d.wake, d.follower)
	}

	if cfg.Purge.Schedule != "" {
		d.sweeper, err = sweep.New(db, cfg.Purge.Schedule, cfg.Purge.Retain(), sweep.WithLogger(log))
		if err != nil {
			return nil, err
		}
	}

	d.svc = httpapi.NewService(db,
		httpapi.WithLogger(log),
		httpapi.WithMetrics(metrics),
		httpapi.WithTracer(d.provider.Tracer),
		httpapi.WithWaker(d.wake),
		httpapi.WithDBPath(cfg.DBPath),
		httpapi.WithTxIdleTimeout(cfg.Daemon.TxIdle()),
	)

	ring, err := auth.LoadKeyring(cfg.Daemon.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	d.srv, err = server.New(server.Config{
		SocketPath: cfg.Daemon.SocketPath,
		Addr:       cfg.Daemon.Addr,
		Handler:    httpapi.NewRouter(d.svc, d.hub.Handler(), auth.Middleware(ring)),
		Logger:     log,
	})
	if errors.Is(err, server.ErrSocketInUse) {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	}
	if err != nil {
		return nil, err
	}

	d.pid = PIDInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Socket:    d.srv.SocketPath(),
		Addr:      d.srv.Addr(),
		DBPath:    cfg.DBPath,
	}
	if cfg.Daemon.PIDFile != "" {
		if err := WritePIDFile(cfg.Daemon.PIDFile, d.pid); err != nil {
			_ = d.srv.Shutdown(context.Background())
			return nil, err
		}
	}
	return d, nil
}

// Addr is the bound TCP address, empty without one.
func (d *Daemon) Addr() string { return d.srv.Addr() }

func (d *Daemon) SocketPath() string { return d.srv.SocketPath() }

// Store is the daemon's own event store. Appends through it wake stream
// subscribers like writes arriving over the socket do.
func (d *Daemon) Store() *eventstore.Store { return d.store }

// Serve starts the background jobs and serves until ctx ends, then shuts
// everything down in dependency order and removes the PID file.
func (d *Daemon) Serve(ctx context.Context) error {
	info := d.pid
	defer d.dropPIDFile()
	d.store.OnCommit(func([]core.Event) { d.wake.Wake() })

	jobs, cancelJobs := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if d.follower != nil {
		after, err := d.store.LatestSequence(ctx, "")
		if err != nil {
			d.log.Warn("read latest sequence", "error", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.follower.Run(jobs, after)
		}()
	}
	if d.sweeper != nil {
		d.sweeper.Start(jobs)
	}

	errc := make(chan error, 1)
	go func() { errc <- d.srv.Serve() }()
	d.log.Info("daemon started", "pid", info.PID, "socket", info.Socket, "addr", info.Addr, "db", info.DBPath)

	var serveErr error
	served := false
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		served = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.StopGrace())
	defer cancel()
	d.hub.CloseAll()
	if err := d.srv.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("server shutdown", "error", err)
	}
	if !served {
		serveErr = <-errc
	}
	cancelJobs()
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	wg.Wait()
	d.close()
	d.log.Info("daemon stopped", "pid", info.PID)
	return serveErr
}

// Close releases a daemon that was never served.
func (d *Daemon) Close() error {
	err := d.srv.Shutdown(context.Background())
	d.hub.CloseAll()
	d.close()
	d.dropPIDFile()
	return err
}

func (d *Daemon) dropPIDFile() {
	if d.cfg.Daemon.PIDFile != "" {
		removePIDFile(d.cfg.Daemon.PIDFile, d.pid.PID)
	}
}

// close releases what New acquired. The listeners are closed by Shutdown.
func (d *Daemon) close() {
	if d.svc != nil {
		d.svc.Close()
	}
	if d.rdb != nil {
		d.rdb.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warn("close database", "error", err)
		}
	}
	if d.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.provider.Shutdown(ctx)
	}
}

// Run serves cfg's database until ctx ends. It refuses to start while the
// PID file names a live process.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	d, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	err = d.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
