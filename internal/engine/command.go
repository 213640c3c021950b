package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
)

// AudioPlaceholder is replaced by the audio path in a command transcriber's arguments.
const AudioPlaceholder = "{audio}"

// waitDelay bounds how long output pipes are drained after the command is killed.
const waitDelay = time.Second

// CommandTranscriber runs a synchronous CLI such as whisper-cli once per request and
// reads the transcript from stdout. The process is killed when ctx ends.
type CommandTranscriber struct {
	EngineName string
	Command    string
	WorkDir    string
	Env        []string
}

func (c *CommandTranscriber) Name() string { return c.EngineName }

// Args expands the command template for audioPath. Without a placeholder the path is
// appended as the last argument.
func (c *CommandTranscriber) Args(audioPath string) ([]string, error) {
	args, err := shlex.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty transcription command")
	}
	replaced := false
	for i, a := range args {
		if strings.Contains(a, AudioPlaceholder) {
			args[i] = strings.ReplaceAll(a, AudioPlaceholder, audioPath)
			replaced = true
		}
	}
	if !replaced {
		args = append(args, audioPath)
	}
	return args, nil
}

func (c *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	args, err := c.Args(audioPath)
	if err != nil {
		return "", &Error{Engine: c.EngineName, Code: CodeClientError, Err: err}
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.WorkDir
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if ctx.Err() != nil {
		return "", classifyTransport(c.EngineName, ctx.Err())
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			msg := strings.TrimSpace(stderr.String())
			return "", &Error{Engine: c.EngineName, Code: CodeExit, Err: fmt.Errorf("exit %d: %s", ee.ExitCode(), truncate(msg, 200))}
		}
		return "", &Error{Engine: c.EngineName, Code: CodeNotFound, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
