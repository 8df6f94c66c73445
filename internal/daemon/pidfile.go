package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var (
	ErrNotRunning     = errors.New("daemon: not running")
	ErrAlreadyRunning = errors.New("daemon: already running")
)

// PIDInfo is the content of the PID file a running daemon owns.
type PIDInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Socket    string    `json:"socket,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	DBPath    string    `json:"db_path,omitempty"`
}

// Alive reports whether the recorded process still exists.
func (i PIDInfo) Alive() bool { return processAlive(i.PID) }

// WritePIDFile replaces path atomically.
func WritePIDFile(path string, info PIDInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded daemon. A missing file is ErrNotRunning.
func ReadPIDFile(path string) (PIDInfo, error) {
	var info PIDInfo
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return info, ErrNotRunning
	}
	if err != nil {
		return info, fmt.Errorf("read pid file: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if info.PID <= 0 {
		return info, fmt.Errorf("parse pid file %s: invalid pid %d", path, info.PID)
	}
	return info, nil
}

// removePIDFile deletes path only while it still names pid, so a daemon
// shutting down late never removes its successor's file.
func removePIDFile(path string, pid int) {
	info, err := ReadPIDFile(path)
	if err == nil && info.PID != pid {
		return
	}
	os.Remove(path)
}

// running returns the live daemon recorded at path. A file left by a dead
// process is removed.
func running(path string) (PIDInfo, bool) {
	info, err := ReadPIDFile(path)
	if errors.Is(err, ErrNotRunning) {
		return info, false
	}
	if err != nil || !info.Alive() {
		os.Remove(path)
		return info, false
	}
	return info, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
