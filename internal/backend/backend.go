// Package backend runs CLI agents as subprocesses.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"squadline/internal/config"
	"squadline/internal/domain"
)

// Invocation is one prompt sent to one backend.
type Invocation struct {
	Backend    config.Backend
	SessionID  string
	Continuing bool
	Prompt     string
	WorkingDir string
	Timeout    time.Duration
}

// Command is a fully rendered subprocess call.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// Outcome is what a Runner observed.
type Outcome struct {
	Started  bool
	StartErr error
	WaitErr  error
	ExitCode int
	Output   []byte
	PID      int
}

// Runner executes a Command until it exits or ctx is done. On ctx expiry it
// must terminate the process before returning.
type Runner interface {
	Run(ctx context.Context, cmd Command) Outcome
}

// BuildArgs expands the backend's argument template. Placeholders are whole
// tokens; task text only ever becomes a single argument. {continue} selects
// the start flags on a session's first turn and the continue flags after.
func BuildArgs(b config.Backend, sessionID string, continuing bool, prompt string) []string {
	flags := func(list []string) []string {
		out := make([]string, len(list))
		for i, tok := range list {
			if tok == config.PlaceholderSessionID {
				tok = sessionID
			}
			out[i] = tok
		}
		return out
	}
	args := make([]string, 0, len(b.Args)+len(b.AutoAccept)+len(b.Start)+len(b.Continue))
	for _, tok := range b.Args {
		switch tok {
		case config.PlaceholderPrompt:
			args = append(args, prompt)
		case config.PlaceholderAutoAccept:
			args = append(args, flags(b.AutoAccept)...)
		case config.PlaceholderContinue:
			if !b.SupportsContinuation {
				continue
			}
			if continuing {
				args = append(args, flags(b.Continue)...)
			} else {
				args = append(args, flags(b.Start)...)
			}
		case config.PlaceholderSessionID:
			args = append(args, sessionID)
		default:
			args = append(args, tok)
		}
	}
	return args
}

// Adapter classifies subprocess outcomes into invocation results.
type Adapter struct {
	Runner         Runner
	DefaultTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

func NewAdapter(runner Runner, logger *zap.Logger) *Adapter {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{Runner: runner, DefaultTimeout: 10 * time.Minute, Logger: logger, Now: time.Now}
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Invoke runs the backend once. The returned error is reserved for
// conditions outside the subprocess contract; timeouts, nonzero exits and
// missing executables are reported through the result status.
func (a *Adapter) Invoke(ctx context.Context, inv Invocation) (domain.InvocationResult, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = inv.Backend.Timeout
	}
	if timeout <= 0 {
		timeout = a.DefaultTimeout
	}
	if inv.WorkingDir != "" {
		if err := checkDir(inv.WorkingDir); err != nil {
			res := domain.InvocationResult{Backend: inv.Backend.Name, ExitCode: -1, Output: err.Error()}
			return res, err
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := Command{
		Path: inv.Backend.Command,
		Args: BuildArgs(inv.Backend, inv.SessionID, inv.Continuing, inv.Prompt),
		Dir:  inv.WorkingDir,
	}
	start := a.now()
	out := a.Runner.Run(runCtx, cmd)
	res := domain.InvocationResult{
		Backend:  inv.Backend.Name,
		Output:   string(out.Output),
		ExitCode: out.ExitCode,
		Duration: a.now().Sub(start),
		PID:      out.PID,
	}

	switch {
	case !out.Started && isNotFound(out.StartErr, cmd.Path):
		res.Status = domain.StatusNotFound
		res.ExitCode = -1
		res.Hint = installHint(inv.Backend)
		if res.Output == "" {
			res.Output = out.StartErr.Error()
		}
	case errors.Is(ctx.Err(), context.Canceled):
		res.Status = domain.StatusCanceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = domain.StatusTimeout
	case !out.Started:
		return res, fmt.Errorf("start %s: %w", inv.Backend.Command, out.StartErr)
	case out.ExitCode != 0:
		res.Status = domain.StatusNonzero
	case out.WaitErr != nil:
		return res, fmt.Errorf("wait %s: %w", inv.Backend.Command, out.WaitErr)
	default:
		res.Status = domain.StatusOK
	}

	a.Logger.Debug("backend invocation",
		zap.String("backend", inv.Backend.Name),
		zap.Int("args", len(cmd.Args)),
		zap.Bool("continuing", inv.Continuing),
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// isNotFound reports whether a start error means the executable itself is
// missing. Other missing paths are not an install problem.
func isNotFound(err error, path string) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && pathErr.Path == path && errors.Is(pathErr.Err, fs.ErrNotExist)
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working dir %s is not a directory", dir)
	}
	return nil
}

func installHint(b config.Backend) string {
	if b.InstallHint != "" {
		return fmt.Sprintf("%s is not installed; install it with: %s", b.Command, b.InstallHint)
	}
	return fmt.Sprintf("%s is not installed or not on PATH", b.Command)
}
