package backend

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadline/internal/config"
	"squadline/internal/domain"
)

func shellBackend(script string) config.Backend {
	// $0 receives the prompt so task text is never parsed by the shell.
	return config.Backend{
		Name:    "sh",
		Command: "/bin/sh",
		Args:    []string{"-c", script, "{prompt}"},
		Timeout: 5 * time.Second,
	}
}

func TestBuildArgsExpandsPlaceholders(t *testing.T) {
	b := config.Backend{
		Command:              "claude",
		Args:                 []string{"{auto_accept}", "{continue}", "--session", "{session_id}", "-p", "{prompt}"},
		AutoAccept:           []string{"--yes"},
		Continue:             []string{"--continue"},
		SupportsContinuation: true,
	}
	first := BuildArgs(b, "sid", false, "do it; rm -rf /")
	assert.Equal(t, []string{"--yes", "--session", "sid", "-p", "do it; rm -rf /"}, first)

	next := BuildArgs(b, "sid", true, "again")
	assert.Equal(t, []string{"--yes", "--continue", "--session", "sid", "-p", "again"}, next)
}

func TestBuildArgsNamesSessionInFlags(t *testing.T) {
	b := config.Backend{
		Args:                 []string{"{auto_accept}", "{continue}", "-p", "{prompt}"},
		AutoAccept:           []string{"--yes"},
		Start:                []string{"--session-id", "{session_id}"},
		Continue:             []string{"--resume", "{session_id}"},
		SupportsContinuation: true,
	}
	assert.Equal(t, []string{"--yes", "--session-id", "s-1", "-p", "hi"}, BuildArgs(b, "s-1", false, "hi"))
	assert.Equal(t, []string{"--yes", "--resume", "s-1", "-p", "hi"}, BuildArgs(b, "s-1", true, "hi"))
	assert.Equal(t, []string{"--yes", "--resume", "s-2", "-p", "hi"}, BuildArgs(b, "s-2", true, "hi"))
	assert.Equal(t, []string{"--resume", "{session_id}"}, b.Continue)
}

func TestBuildArgsSkipsContinueForStatelessBackend(t *testing.T) {
	b := config.Backend{
		Args:     []string{"{continue}", "{prompt}"},
		Start:    []string{"--session-id", "{session_id}"},
		Continue: []string{"--continue"},
	}
	assert.Equal(t, []string{"x"}, BuildArgs(b, "", true, "x"))
	assert.Equal(t, []string{"x"}, BuildArgs(b, "", false, "x"))
}

func TestExecOK(t *testing.T) {
	a := NewAdapter(ExecRunner{}, nil)
	res, err := a.Invoke(context.Background(), Invocation{
		Backend: shellBackend(`echo "got: $0"; echo warn >&2`),
		Prompt:  "hello $(whoami)",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, res.Status)
	assert.Contains(t, res.Output, "got: hello $(whoami)")
	assert.Contains(t, res.Output, "warn")
	assert.Equal(t, "sh", res.Backend)
}

func TestExecNonzero(t *testing.T) {
	a := NewAdapter(ExecRunner{}, nil)
	res, err := a.Invoke(context.Background(), Invocation{
		Backend: shellBackend(`echo broken; exit 3`),
		Prompt:  "x",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNonzero, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "broken")
}

func TestExecNotFound(t *testing.T) {
	a := NewAdapter(ExecRunner{}, nil)
	b := config.Backend{
		Name:        "ghost",
		Command:     "squadline-no-such-agent",
		Args:        []string{"{prompt}"},
		InstallHint: "brew install ghost",
	}
	res, err := a.Invoke(context.Background(), Invocation{Backend: b, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotFound, res.Status)
	assert.Contains(t, res.Hint, "brew install ghost")
}

func TestExecMissingWorkingDirIsNotAnInstallProblem(t *testing.T) {
	a := NewAdapter(ExecRunner{}, nil)
	b := shellBackend("true")
	b.InstallHint = "apt install dash"
	res, err := a.Invoke(context.Background(), Invocation{Backend: b, Prompt: "x", WorkingDir: "/nonexistent/squadline"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorContains(t, err, "working dir")
	assert.NotEqual(t, domain.StatusNotFound, res.Status)
	assert.Empty(t, res.Hint)
}

func TestInvokeMissingPathOtherThanCommand(t *testing.T) {
	r := &stubRunner{out: Outcome{StartErr: &fs.PathError{Op: "chdir", Path: "/gone", Err: fs.ErrNotExist}, ExitCode: -1}}
	a := NewAdapter(r, nil)
	res, err := a.Invoke(context.Background(), Invocation{Backend: shellBackend("true"), Prompt: "x"})
	assert.ErrorContains(t, err, "chdir /gone")
	assert.NotEqual(t, domain.StatusNotFound, res.Status)
	assert.Empty(t, res.Hint)
}

func TestInvokeMissingAbsoluteCommandIsNotFound(t *testing.T) {
	r := &stubRunner{out: Outcome{StartErr: &fs.PathError{Op: "fork/exec", Path: "/opt/agent/bin/run", Err: fs.ErrNotExist}, ExitCode: -1}}
	a := NewAdapter(r, nil)
	b := config.Backend{Name: "agent", Command: "/opt/agent/bin/run", Args: []string{"{prompt}"}}
	res, err := a.Invoke(context.Background(), Invocation{Backend: b, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotFound, res.Status)
	assert.Contains(t, res.Hint, "/opt/agent/bin/run")
}

func TestExecTimeoutKillsProcess(t *testing.T) {
	a := NewAdapter(ExecRunner{WaitDelay: 500 * time.Millisecond}, nil)
	res, err := a.Invoke(context.Background(), Invocation{
		Backend: shellBackend(`sleep 30`),
		Prompt:  "x",
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, res.Status)
	assert.Less(t, res.Duration, 5*time.Second)
	require.NotZero(t, res.PID)
	assert.False(t, ProcessAlive(res.PID), "process %d still running", res.PID)
}

func TestExecCallerCancelKillsProcess(t *testing.T) {
	a := NewAdapter(ExecRunner{WaitDelay: 500 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := a.Invoke(ctx, Invocation{Backend: shellBackend(`sleep 30`), Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, res.Status)
	assert.False(t, ProcessAlive(res.PID))
}

type stubRunner struct {
	out  Outcome
	seen Command
}

func (s *stubRunner) Run(_ context.Context, c Command) Outcome {
	s.seen = c
	return s.out
}

func TestInvokeUnexpectedStartError(t *testing.T) {
	r := &stubRunner{out: Outcome{StartErr: errors.New("too many open files")}}
	a := NewAdapter(r, nil)
	_, err := a.Invoke(context.Background(), Invocation{Backend: shellBackend("true"), Prompt: "x"})
	assert.ErrorContains(t, err, "too many open files")
}

func TestInvokePassesWorkingDirAndArgs(t *testing.T) {
	r := &stubRunner{out: Outcome{Started: true, Output: []byte("fine")}}
	a := NewAdapter(r, nil)
	res, err := a.Invoke(context.Background(), Invocation{
		Backend:    shellBackend("true"),
		Prompt:     "task text",
		WorkingDir: "/tmp",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, res.Status)
	assert.Equal(t, "/tmp", r.seen.Dir)
	assert.Equal(t, "task text", r.seen.Args[len(r.seen.Args)-1])
	assert.True(t, strings.HasPrefix(r.seen.Path, "/bin/"))
}
