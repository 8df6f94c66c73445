package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

// Start launches exe with args as a detached daemon for cfg and waits until
// it answers health checks. Output goes to the daemon log file.
func Start(ctx context.Context, cfg config.Config, exe string, args []string) (PIDInfo, error) {
	if info, ok := running(cfg.Daemon.PIDFile); ok {
		return info, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.LogFile), 0o755); err != nil {
		return PIDInfo{}, fmt.Errorf("create log dir: %w", err)
	}
	logf, err := os.OpenFile(cfg.Daemon.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return PIDInfo{}, fmt.Errorf("open daemon log: %w", err)
	}
	defer logf.Close()

	cmd := exec.Command(exe, args...)
	cmd.Dir = cfg.ProjectDir
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return PIDInfo{}, fmt.Errorf("start daemon: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Daemon.StartTimeout())
	defer cancel()
	err = waitUntil(ctx, DefaultBackoff(), func(ctx context.Context) (bool, error) {
		select {
		case werr := <-exited:
			return false, fmt.Errorf("daemon exited during startup (%v); see %s", werr, cfg.Daemon.LogFile)
		default:
		}
		h, err := checkHealth(ctx, cfg)
		return err == nil && h.Healthy, nil
	})
	if err != nil {
		_ = cmd.Process.Kill()
		if errors.Is(err, context.DeadlineExceeded) {
			return PIDInfo{}, fmt.Errorf("daemon not healthy after %s; see %s", cfg.Daemon.StartTimeout(), cfg.Daemon.LogFile)
		}
		return PIDInfo{}, err
	}
	return ReadPIDFile(cfg.Daemon.PIDFile)
}

// Stop sends SIGTERM to the running daemon and waits for the grace period,
// then SIGKILL. Leftover PID and socket files are removed either way.
func Stop(ctx context.Context, cfg config.Config) (PIDInfo, error) {
	info, ok := running(cfg.Daemon.PIDFile)
	if !ok {
		return info, ErrNotRunning
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return info, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return info, fmt.Errorf("signal daemon: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Daemon.StopGrace())
	defer cancel()
	gone := func(context.Context) (bool, error) { return !processAlive(info.PID), nil }
	if err := waitUntil(waitCtx, Backoff{Base: 20 * time.Millisecond, Max: 250 * time.Millisecond}, gone); err != nil {
		if ctx.Err() != nil {
			return info, ctx.Err()
		}
		slog.Default().Warn("daemon ignored SIGTERM, killing", "pid", info.PID, "grace", cfg.Daemon.StopGrace())
		_ = proc.Signal(syscall.SIGKILL)
	}
	removePIDFile(cfg.Daemon.PIDFile, info.PID)
	if info.Socket != "" {
		os.Remove(info.Socket)
	}
	return info, nil
}

// State is what Status observed.
type State struct {
	Running bool
	Info    PIDInfo
	Health  remote.HealthResponse
	// HealthErr is set when the process is alive but the health check failed.
	HealthErr error
}

// Status reports the daemon recorded for cfg and checks its health.
func Status(ctx context.Context, cfg config.Config) State {
	info, ok := running(cfg.Daemon.PIDFile)
	st := State{Running: ok, Info: info}
	if !ok {
		return st
	}
	st.Health, st.HealthErr = checkHealth(ctx, cfg)
	return st
}

func checkHealth(ctx context.Context, cfg config.Config) (remote.HealthResponse, error) {
	a, err := remote.Dial(cfg.Daemon.SocketPath)
	if err != nil {
		return remote.HealthResponse{}, err
	}
	defer a.Close()
	ctx, cancel := context.WithTimeout(ctx, cfg.Daemon.HealthTimeout())
	defer cancel()
	return a.Health(ctx)
}

// Connect returns the adapter a client process should use: the daemon's
// when one is running, otherwise a local adapter opened and migrated under
// the init lock.
func Connect(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, ok := running(cfg.Daemon.PIDFile); ok {
		a, err := remote.Dial(cfg.Daemon.SocketPath, remote.WithLogger(log))
		if err != nil {
			return nil, err
		}
		log.Debug("using daemon", "socket", cfg.Daemon.SocketPath)
		return a, nil
	}
	db, _, err := coord.OpenLocal(ctx, cfg.DBPath, coord.LocalOptions{
		Logger: log,
		Lock:   lockOptions(cfg, log, nil),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}
