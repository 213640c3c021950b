package process

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/provoice/internal/logger"
)

// shellMeta lists characters that make a command line need a shell.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// Spec describes one engine server process.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`  // command line used to launch the server
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // full environment; empty inherits the supervisor's
	PIDFile string            `json:"pid_file"` // optional pidfile path
	Log     logger.FileConfig `json:"log"`      // stdout/stderr destinations
}

// Validate checks that the spec can be launched.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("engine process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("engine process requires command")
	}
	if s.PIDFile != "" && !filepath.IsAbs(s.PIDFile) {
		return errors.New("pid_file must be an absolute path")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
func (s *Spec) BuildCommand() *exec.Cmd {
	return CommandLine(context.Background(), s.Command)
}

// CommandLine turns a command line into an *exec.Cmd bound to ctx.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func CommandLine(ctx context.Context, line string) *exec.Cmd {
	cmdStr := strings.TrimSpace(line)
	if cmdStr == "" {
		return trueCommand(ctx)
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(ctx, afterC)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns the script after "-c" with one pair of outer quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
