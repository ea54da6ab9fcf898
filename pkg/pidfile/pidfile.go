// Package pidfile manages the daemon PID file and duplicate-instance
// detection.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile tracks the PID file for the current process.
type PIDFile struct {
	path string
	pid  int
}

// New creates a PIDFile handle for the current process.
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string { return p.path }

// CheckRunning reports whether another live instance owns the PID file and,
// if so, its PID. A stale file (dead process) reports not running.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existing, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("read pid file: %w", err)
	}
	if processAlive(existing) {
		return true, existing, nil
	}
	return false, existing, nil
}

// Create writes the PID file, replacing a stale one. It fails when a live
// instance already owns the file.
func (p *PIDFile) Create() error {
	if running, existing, err := p.CheckRunning(); err != nil {
		return err
	} else if running {
		return fmt.Errorf("daemon already running with pid %d", existing)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process.
func (p *PIDFile) Remove() error {
	existing, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("pid file owned by pid %d, not removing", existing)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the PID file regardless of ownership.
func (p *PIDFile) ForceRemove() error {
	return os.Remove(p.path)
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
