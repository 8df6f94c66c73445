// Package embedded runs an interlock daemon inside the calling process, so
// a host application can own the database while its worker processes
// connect over the socket as usual.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/daemon"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

// Config configures the embedded server. Zero fields fall back to the
// project's interlock.yaml and then the usual defaults.
type Config struct {
	// ProjectDir is the project root; state lives under <ProjectDir>/.interlock.
	ProjectDir string

	// Project overrides the project key.
	Project string

	// DBPath overrides the database location.
	DBPath string

	// Addr additionally exposes the daemon over TCP, e.g. "127.0.0.1:0".
	Addr string

	Logger *slog.Logger
}

// Server is an embedded daemon.
type Server struct {
	cfg    config.Config
	d      *daemon.Daemon
	log    *slog.Logger
	mu     sync.Mutex
	stop   context.CancelFunc
	done   chan error
	closed bool
}

// New opens the database and binds the listeners. Call Start to serve.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.ProjectDir == "" {
		return nil, errors.New("embedded: project dir required")
	}
	c, err := config.Load(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}
	if cfg.Project != "" {
		c.Project = cfg.Project
	}
	if cfg.DBPath != "" {
		c.DBPath = cfg.DBPath
	}
	if cfg.Addr != "" {
		c.Daemon.Addr = cfg.Addr
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d, err := daemon.New(ctx, c, log)
	if err != nil {
		return nil, fmt.Errorf("init daemon: %w", err)
	}
	return &Server{cfg: c, d: d, log: log}, nil
}

// Start serves in a background goroutine. The listeners are already bound,
// so clients can connect as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("embedded: server stopped")
	}
	if s.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan error, 1)
	go func() {
		err := s.d.Serve(ctx)
		if err != nil {
			s.log.Error("embedded daemon stopped", "error", err)
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts the daemon down and waits for it. A server that was never
// started releases its database and listeners. Stopping twice is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop == nil {
		return s.d.Close()
	}
	s.stop()
	return <-s.done
}

func (s *Server) SocketPath() string { return s.d.SocketPath() }

// Addr is the bound TCP address, empty unless Config.Addr was set.
func (s *Server) Addr() string { return s.d.Addr() }

// URL returns the TCP base URL, or the unix:// address without TCP.
func (s *Server) URL() string {
	if addr := s.d.Addr(); addr != "" {
		return "http://" + addr
	}
	return "unix://" + s.d.SocketPath()
}

// Project is the configured project key.
func (s *Server) Project() string { return s.cfg.Project }

// Dial returns a client adapter for this server over its socket.
func (s *Server) Dial(opts ...remote.Option) (*remote.Adapter, error) {
	return remote.Dial(s.d.SocketPath(), opts...)
}

// Coordinator returns a facade for project through this server. An empty
// project uses the configured one. Close the coordinator's Adapter when done.
func (s *Server) Coordinator(project string, opts ...coord.Option) (*coord.Coordinator, error) {
	if project == "" {
		project = s.cfg.Project
	}
	a, err := s.Dial(remote.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	c, err := coord.New(a, project, append([]coord.Option{coord.WithLogger(s.log)}, opts...)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return c, nil
}
