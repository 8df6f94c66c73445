// Package lock serializes database cold start across processes with an
// exclusive lock file next to the database. It guards initialization only;
// steady-state traffic is serialized by whoever owns the connection.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	iotel "github.com/mistakeknot/interlock/internal/otel"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultStaleAfter   = 10 * time.Second
)

// ErrLockTimeout matches every *TimeoutError via errors.Is.
var ErrLockTimeout = errors.New("init lock timeout")

// TimeoutError is returned when the lock could not be acquired in time.
type TimeoutError struct {
	Path   string
	Waited time.Duration
	Holder *Info
}

func (e *TimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("timed out after %s waiting for init lock %s (held by pid %d on %s)",
			e.Waited.Round(time.Millisecond), e.Path, e.Holder.PID, e.Holder.Hostname)
	}
	return fmt.Sprintf("timed out after %s waiting for init lock %s", e.Waited.Round(time.Millisecond), e.Path)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// Info is the lock file content.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`

	// ModTime is the file mtime, refreshed by a live holder.
	ModTime time.Time `json:"-"`
}

// Release gives the lock back. It is idempotent and never fails: if the lock
// was reclaimed by someone else it logs a warning and returns.
type Release func()

type config struct {
	poll    time.Duration
	timeout time.Duration
	stale   time.Duration
	log     *slog.Logger
	metrics *iotel.Metrics
	now     func() time.Time
	rename  func(oldpath, newpath string) error
}

// Option tunes AcquireInitLock.
type Option func(*config)

func WithPollInterval(d time.Duration) Option { return func(c *config) { c.poll = d } }
func WithTimeout(d time.Duration) Option      { return func(c *config) { c.timeout = d } }
func WithStaleAfter(d time.Duration) Option   { return func(c *config) { c.stale = d } }
func WithLogger(l *slog.Logger) Option        { return func(c *config) { c.log = l } }
func WithMetrics(m *iotel.Metrics) Option     { return func(c *config) { c.metrics = m } }

func newConfig(opts []Option) config {
	c := config{
		poll:    DefaultPollInterval,
		timeout: DefaultTimeout,
		stale:   DefaultStaleAfter,
		log:     slog.Default(),
		now:     time.Now,
		rename:  os.Rename,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Path returns the lock file guarding dbPath.
func Path(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), filepath.Base(dbPath)+".lock")
}

// AcquireInitLock blocks until this process holds the init lock for dbPath,
// the timeout elapses (*TimeoutError), or ctx is done.
func AcquireInitLock(ctx context.Context, dbPath string, opts ...Option) (Release, error) {
	c := newConfig(opts)
	path := Path(dbPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	start := c.now()
	hostname, _ := os.Hostname()
	info := Info{
		PID:        os.Getpid(),
		Hostname:   hostname,
		Token:      uuid.NewString(),
		AcquiredAt: start.UTC(),
	}

	// Removal of the lock file wakes us immediately; polling still covers
	// filesystems where the watcher is unavailable.
	var wake <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			wake = w.Events
		} else {
			c.log.Debug("init lock watcher unavailable", "path", path, "error", err)
		}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		ok, err := tryCreate(path, info)
		if err != nil {
			return nil, err
		}
		if ok {
			c.metrics.RecordLockWait(ctx, c.now().Sub(start), true)
			c.log.Debug("init lock acquired", "path", path, "lock_token", info.Token)
			return newHolder(path, info.Token, c).release, nil
		}
		if reclaimed := reclaimIfStale(path, c); reclaimed {
			continue
		}

		select {
		case <-ctx.Done():
			c.metrics.RecordLockWait(ctx, c.now().Sub(start), false)
			return nil, ctx.Err()
		case <-timer.C:
			c.metrics.RecordLockWait(ctx, c.now().Sub(start), false)
			holder, _ := Inspect(dbPath)
			return nil, &TimeoutError{Path: path, Waited: c.now().Sub(start), Holder: holder}
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Name != path || !(ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				continue
			}
		case <-ticker.C:
		}
	}
}

// tryCreate atomically creates the lock file. It reports false when another
// holder's file already exists.
func tryCreate(path string, info Info) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	data, err := json.Marshal(info)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lock file: %w", err)
	}
	return true, nil
}

// reclaimIfStale removes a stale lock file. The file is first renamed to a
// unique name so two reclaimers cannot both delete it; if the renamed file
// turns out to be a fresh lock (another reclaimer won and re-acquired), it
// is linked back into place.
func reclaimIfStale(path string, c config) bool {
	seen, err := readInfo(path)
	if err != nil || !isStale(seen, c) {
		return false
	}
	tomb := fmt.Sprintf("%s.stale.%s", path, uuid.NewString())
	if err := c.rename(path, tomb); err != nil {
		return false
	}

	got, err := readInfo(tomb)
	if err == nil && seen.Token != "" && got.Token != seen.Token {
		if err := os.Link(tomb, path); err != nil {
			// the displaced holder finds a foreign token on release and warns
			c.log.Warn("could not restore init lock after reclaim race",
				"path", path, "holder_pid", got.PID, "holder_token", got.Token, "error", err)
		}
		os.Remove(tomb)
		return false
	}
	os.Remove(tomb)
	c.log.Warn("reclaimed stale init lock",
		"path", path, "holder_pid", seen.PID, "holder_host", seen.Hostname,
		"age", c.now().Sub(seen.ModTime).Round(time.Millisecond))
	return true
}

func isStale(info *Info, c config) bool {
	if c.now().Sub(info.ModTime) > c.stale {
		return true
	}
	hostname, _ := os.Hostname()
	return info.PID > 0 && info.Hostname == hostname && !processAlive(info.PID)
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func readInfo(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	// A half-written file has no pid yet; only its mtime can make it stale.
	_ = json.Unmarshal(data, &info)
	info.ModTime = st.ModTime()
	return &info, nil
}

type holder struct {
	path  string
	token string
	cfg   config
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func newHolder(path, token string, c config) *holder {
	h := &holder{path: path, token: token, cfg: c, stop: make(chan struct{}), done: make(chan struct{})}
	go h.refresh()
	return h
}

// refresh bumps the mtime every stale/2 so a live holder never looks stale.
func (h *holder) refresh() {
	defer close(h.done)
	interval := h.cfg.stale / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			info, err := readInfo(h.path)
			if err != nil || info.Token != h.token {
				return
			}
			now := time.Now()
			if err := os.Chtimes(h.path, now, now); err != nil {
				h.cfg.log.Warn("refresh init lock", "path", h.path, "error", err)
			}
		}
	}
}

func (h *holder) release() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		info, err := readInfo(h.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			h.cfg.log.Warn("init lock already gone on release", "path", h.path)
			return
		case err != nil:
			h.cfg.log.Warn("read init lock on release", "path", h.path, "error", err)
			return
		case info.Token != h.token:
			h.cfg.log.Warn("init lock was reclaimed by another holder", "path", h.path, "holder_pid", info.PID)
			return
		}
		if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.cfg.log.Warn("remove init lock", "path", h.path, "error", err)
		}
	})
}

// IsInitializationInProgress reports, without blocking, whether a live
// holder currently owns the init lock for dbPath.
func IsInitializationInProgress(dbPath string) bool {
	info, err := readInfo(Path(dbPath))
	if err != nil {
		return false
	}
	return !isStale(info, newConfig(nil))
}

// ForceReleaseLock deletes the lock file regardless of holder. Missing files
// are not an error.
func ForceReleaseLock(dbPath string) error {
	if err := os.Remove(Path(dbPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("force release init lock: %w", err)
	}
	return nil
}

// Inspect returns the current lock holder, or nil when unlocked.
func Inspect(dbPath string) (*Info, error) {
	info, err := readInfo(Path(dbPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return info, err
}

// Stale reports whether info would be reclaimed with default thresholds.
func (i *Info) Stale() bool {
	return isStale(i, newConfig(nil))
}
