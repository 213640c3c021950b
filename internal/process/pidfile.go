package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDMeta is stored on the second line of a pid file. StartUnix lets a later
// supervisor tell its engine apart from an unrelated process that reused the PID.
type PIDMeta struct {
	Name      string `json:"name"`
	StartUnix int64  `json:"start_unix"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, pid int, name string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(PIDMeta{Name: name, StartUnix: getProcStartUnix(pid)})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a pid file written by WritePIDFile. Files holding only a PID
// yield a nil meta.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, nil, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		return pid, nil, nil
	}
	return pid, &meta, nil
}

// RemovePIDFile deletes path if it still names pid.
func RemovePIDFile(path string, pid int) {
	cur, _, err := ReadPIDFile(path)
	if err != nil || cur != pid {
		return
	}
	_ = os.Remove(path)
}

// KillStale terminates an engine left running by an earlier supervisor session, as
// recorded in the pid file at path. It returns the PID it stopped, or 0 when there was
// nothing to stop. The pid file is removed either way.
func KillStale(path string, grace time.Duration) (int, error) {
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		_ = os.Remove(path)
		return 0, nil
	}
	defer func() { _ = os.Remove(path) }()

	if !pidAlive(pid) {
		return 0, nil
	}
	if meta != nil && meta.StartUnix > 0 {
		if cur := getProcStartUnix(pid); cur > 0 && cur != meta.StartUnix {
			slog.Info("PID from pid file was reused, leaving it alone", "path", path, "pid", pid)
			return 0, nil
		}
	}

	slog.Warn("Stopping stale engine from previous session", "path", path, "pid", pid)
	_ = signalGroup(pid, syscall.SIGTERM)
	if waitGone(pid, grace) {
		return pid, nil
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	if waitGone(pid, reapWait) {
		return pid, nil
	}
	return pid, fmt.Errorf("stale pid %d: %w", pid, ErrStopTimeout)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !pidAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
