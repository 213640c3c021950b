//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// shellCommand runs script through /bin/sh. The absolute path keeps it working when Env
// replaces PATH.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/true")
}
