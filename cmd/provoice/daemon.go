package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/loykin/provoice/internal/process"
)

// daemonChildEnv marks the re-executed background copy of serve.
const daemonChildEnv = "PROVOICE_DAEMON_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonChildEnv) == "1" }

// daemonize re-runs the current command in the background and exits the parent.
func daemonize(pidFile string, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// The child keeps every argument; the marker stops it from forking again.
	// #nosec G204
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := process.WritePIDFile(pidFile, cmd.Process.Pid, "provoice"); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// writeDaemonPID records the running daemon in pidFile. The daemonizing parent has
// usually written it already; the child rewrites it with its own start time.
func writeDaemonPID(pidFile string) error {
	return process.WritePIDFile(pidFile, os.Getpid(), "provoice")
}

func removeDaemonPID(pidFile string) {
	process.RemovePIDFile(pidFile, os.Getpid())
}
