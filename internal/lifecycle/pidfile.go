package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// WritePIDFile writes the current process PID to path with mode 0600,
// refusing to overwrite a file that names a still-running process
// (stale PID files from a previous crash are silently reclaimed).
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("lifecycle: create pid file dir: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(trimNewline(data))); perr == nil && processAlive(pid) {
			return fmt.Errorf("lifecycle: pid file %s already names running process %d", path, pid)
		}
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// RemovePIDFile removes the PID file, ignoring a not-exist error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: parse pid file: %w", err)
	}
	return pid, nil
}

// processAlive probes whether pid is a live process by sending signal 0,
// the standard non-destructive liveness probe on POSIX systems.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
