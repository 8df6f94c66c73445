// Package server runs the daemon's HTTP handler on a unix socket and,
// optionally, a TCP address.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/auth"
)

// ErrSocketInUse is returned when another process accepts connections on
// the configured socket.
var ErrSocketInUse = errors.New("server: socket in use")

type Config struct {
	// SocketPath is the unix socket to listen on. Required unless Addr is set.
	SocketPath string
	// Addr is an optional TCP listen address such as "127.0.0.1:7338".
	Addr    string
	Handler http.Handler
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	log    *slog.Logger
	unix   *http.Server
	unixLn net.Listener
	tcp    *http.Server
	tcpLn  net.Listener
}

// New binds the listeners. A socket file nobody listens on is removed first;
// one that still accepts connections yields ErrSocketInUse.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" && cfg.Addr == "" {
		return nil, errors.New("socket path or addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "server")}

	if cfg.SocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		if socketLive(cfg.SocketPath) {
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, cfg.SocketPath)
		}
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0o660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = ln
		s.unix = &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
				return auth.MarkUnixConn(ctx)
			},
		}
	}

	if cfg.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			if s.unixLn != nil {
				s.unixLn.Close()
				os.Remove(cfg.SocketPath)
			}
			return nil, fmt.Errorf("tcp listen: %w", err)
		}
		s.tcpLn = ln
		s.tcp = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// socketLive reports whether something accepts connections on path.
func socketLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve blocks until every listener stops. It returns nil after Shutdown.
func (s *Server) Serve() error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	run := func(srv *http.Server, ln net.Listener, kind string) {
		defer wg.Done()
		s.log.Info("listening", "kind", kind, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s serve: %w", kind, err)
			}
			mu.Unlock()
		}
	}
	if s.unix != nil {
		wg.Add(1)
		go run(s.unix, s.unixLn, "unix")
	}
	if s.tcp != nil {
		wg.Add(1)
		go run(s.tcp, s.tcpLn, "tcp")
	}
	wg.Wait()
	return firstErr
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		// closes the listener when Serve never ran
		s.unixLn.Close()
		os.Remove(s.cfg.SocketPath)
	}
	if s.tcp != nil {
		if err := s.tcp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		s.tcpLn.Close()
	}
	return firstErr
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Addr returns the bound TCP address, or empty without a TCP listener.
func (s *Server) Addr() string {
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}
