package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePid records the current process id, refusing to clobber a live
// daemon's pidfile.
func WritePid(path string) error {
	if pid, ok := livePid(path); ok {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// RemovePid deletes the pidfile; a missing file is not an error.
func RemovePid(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile: %w", err)
	}
	return nil
}

// ReadPid returns the recorded pid, or 0 when no pidfile exists.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile: %w", err)
	}
	return pid, nil
}

// Running reports whether the pidfile points at a live process. A stale
// pidfile is cleaned up as a side effect.
func Running(path string) bool {
	_, ok := livePid(path)
	return ok
}

func livePid(path string) (int, bool) {
	pid, err := ReadPid(path)
	if err != nil || pid == 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		_ = os.Remove(path)
		return 0, false
	}
	return pid, true
}

// Stop signals the recorded daemon process with SIGTERM.
func Stop(path string) error {
	pid, ok := livePid(path)
	if !ok {
		return fmt.Errorf("daemon not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	return nil
}
