package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command describes one black-box tool invocation. The contract is exit code
// zero plus expected output present; stderr is the error detail.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
}

type CommandResult struct {
	Stdout []byte
	Stderr []byte
}

// CommandRunner abstracts external conversion tools so the executor can be
// tested without GDAL or the point-cloud converter installed.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands with os/exec, enforcing a hard wall-clock timeout
// per invocation so a wedged tool cannot hold the worker forever.
type ExecRunner struct{}

// killGrace bounds how long Run waits for output pipes to drain after the
// process is killed.
const killGrace = 3 * time.Second

func (ExecRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	// A converter that forked helpers can keep the stdout/stderr pipes open
	// after the direct child dies, and Wait would block on them forever.
	// Kill the whole process group on cancellation and stop waiting on the
	// pipes shortly after the deadline.
	c.WaitDelay = killGrace
	setProcessGroup(c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%s timed out after %s", cmd.Name, cmd.Timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return result, fmt.Errorf("%s failed: %s", cmd.Name, detail)
	}
	return result, nil
}
