package backend

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// ExecRunner runs commands with os/exec in their own process group so a
// timeout or cancellation kills the agent and everything it spawned.
type ExecRunner struct {
	// WaitDelay bounds how long Wait blocks on inherited pipes after the
	// process group is killed.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) Outcome {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the whole group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return Outcome{StartErr: err, ExitCode: -1}
	}
	out := Outcome{Started: true, PID: cmd.Process.Pid}
	err := cmd.Wait()
	out.Output = buf.Bytes()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
			out.WaitErr = err
		}
	}
	return out
}

// ProcessAlive checks if a given PID is still running.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
