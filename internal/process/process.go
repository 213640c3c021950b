package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotStarted     = errors.New("process not started")
	ErrStopTimeout    = errors.New("process did not exit after kill")
)

// reapWait bounds how long Stop and Kill wait for the exit after SIGKILL.
const reapWait = 2 * time.Second

// Status is a snapshot of one launch of the process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
	Exit      string    `json:"exit,omitempty"`
}

// Process is a handle on one launch of an engine server. A single goroutine owns
// cmd.Wait; everyone else observes the exit through Done.
type Process struct {
	spec Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	done   chan struct{}
	outW   io.WriteCloser
	errW   io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the spec the process was created with.
func (r *Process) Spec() Spec { return r.spec }

// ConfigureCmd builds and configures *exec.Cmd for this process.
// It sets workdir, environment, stdio/logging, and process group attributes.
func (r *Process) ConfigureCmd() *exec.Cmd {
	cmd := r.spec.BuildCommand()
	if r.spec.WorkDir != "" {
		cmd.Dir = r.spec.WorkDir
	}
	if len(r.spec.Env) > 0 {
		cmd.Env = r.spec.Env
	}
	configureSysProcAttr(cmd)

	var outW, errW io.WriteCloser
	if r.spec.Log.Enabled() {
		if r.spec.Log.Dir != "" {
			_ = os.MkdirAll(r.spec.Log.Dir, 0o750)
		}
		outW, errW, _ = r.spec.Log.Writers(r.spec.Name)
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	r.mu.Lock()
	r.outW, r.errW = outW, errW
	r.mu.Unlock()
	// nil Stdout/Stderr make os/exec attach the null device.
	return cmd
}

// Start launches the process. It fails with ErrAlreadyRunning while a previous
// launch of this handle is still alive.
func (r *Process) Start() error {
	if r.Alive() {
		return ErrAlreadyRunning
	}
	cmd := r.ConfigureCmd()
	if err := cmd.Start(); err != nil {
		r.closeWriters()
		return fmt.Errorf("start %s: %w", r.spec.Name, err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.done = done
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	if r.spec.PIDFile != "" {
		if err := WritePIDFile(r.spec.PIDFile, cmd.Process.Pid, r.spec.Name); err != nil {
			slog.Warn("Failed to write pid file", "engine", r.spec.Name, "path", r.spec.PIDFile, "error", err)
		}
	}
	go r.wait(cmd, done)
	return nil
}

func (r *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if err != nil {
		r.status.Exit = err.Error()
	} else {
		r.status.Exit = "exit status 0"
	}
	r.mu.Unlock()
	r.closeWriters()
	if r.spec.PIDFile != "" {
		RemovePIDFile(r.spec.PIDFile, cmd.Process.Pid)
	}
	close(done)
}

func (r *Process) closeWriters() {
	r.mu.Lock()
	outW, errW := r.outW, r.errW
	r.outW, r.errW = nil, nil
	r.mu.Unlock()
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Done is closed when the current launch exits. For a handle that was never
// started it returns an already closed channel.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return r.done
}

// Alive reports whether the current launch has not exited yet.
func (r *Process) Alive() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// PID of the current launch, or 0.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL after grace.
// Stopping a process that is not running is a no-op.
func (r *Process) Stop(grace time.Duration) error {
	if !r.Alive() {
		return nil
	}
	pid := r.PID()
	done := r.Done()
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		slog.Debug("SIGTERM failed", "engine", r.spec.Name, "pid", pid, "error", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	slog.Warn("Engine ignored SIGTERM, killing", "engine", r.spec.Name, "pid", pid, "grace", grace)
	return r.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the exit.
func (r *Process) Kill() error {
	if !r.Alive() {
		return nil
	}
	pid := r.PID()
	done := r.Done()
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(reapWait):
		return fmt.Errorf("%s pid %d: %w", r.spec.Name, pid, ErrStopTimeout)
	}
}
