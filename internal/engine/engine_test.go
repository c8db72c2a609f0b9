package engine_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"squadline/internal/backend"
	"squadline/internal/config"
	"squadline/internal/db"
	"squadline/internal/engine"
	"squadline/internal/logging"
	"squadline/internal/migrate"
)

const testYAML = `project:
  id: proj-1
roles:
  architect: alpha
  coder: alpha
  tester: beta
  reviewer: beta
  devops: alpha
  ad: alpha
  chef: beta
backends:
  alpha:
    command: alpha
    args: ["{continue}", "--session", "{session_id}", "{prompt}"]
    continue: ["--continue"]
    supports_continuation: true
    timeout: 5s
  beta:
    command: beta
    args: ["{continue}", "{prompt}"]
    continue: ["--resume"]
    supports_continuation: true
    timeout: 5s
  plain:
    command: plain
    args: ["{prompt}"]
    timeout: 5s
  off:
    command: off
    args: ["{prompt}"]
    disabled: true
pool: [alpha, beta]
dispatch:
  retry_timeout_on_next_slot: true
gate:
  order: [tests]
  checks:
    tests:
      command: ["tests", "./..."]
      timeout: 5s
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(testYAML))
	require.NoError(t, err)
	return cfg
}

type call struct {
	Cmd   backend.Command
	Start time.Time
	End   time.Time
}

// Prompt is the last argument of every test template.
func (c call) Prompt() string { return c.Cmd.Args[len(c.Cmd.Args)-1] }

type reply struct {
	Output string
	Exit   int
	Delay  time.Duration
}

// fakeRunner records every command with its start and end time.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(backend.Command) reply
}

func (f *fakeRunner) Run(ctx context.Context, c backend.Command) backend.Outcome {
	r := reply{Output: "done"}
	if f.respond != nil {
		r = f.respond(c)
	}
	start := time.Now()
	out := backend.Outcome{Started: true, PID: 4242, Output: []byte(r.Output), ExitCode: r.Exit}
	select {
	case <-time.After(r.Delay):
	case <-ctx.Done():
		out = backend.Outcome{Started: true, PID: 4242, ExitCode: -1}
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{Cmd: c, Start: start, End: time.Now()})
	f.mu.Unlock()
	return out
}

func (f *fakeRunner) callsFor(path string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Cmd.Path == path {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

type testEnv struct {
	Engine engine.Engine
	Runner *fakeRunner
	Logs   *observer.ObservedLogs
	Ctx    context.Context
}

func newEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	r := &fakeRunner{}
	logger, logs := logging.NewTest()
	eng := engine.New(nil, cfg).WithRunner(r).WithLogger(logger)
	return testEnv{Engine: eng, Runner: r, Logs: logs, Ctx: context.Background()}
}

// newStoreEnv is newEnv backed by a migrated workspace database.
func newStoreEnv(t *testing.T, workspace string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	r := &fakeRunner{}
	logger, logs := logging.NewTest()
	eng := engine.New(conn, testConfig(t)).WithRunner(r).WithLogger(logger)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, eng.Restore(context.Background()))
	return testEnv{Engine: eng, Runner: r, Logs: logs, Ctx: context.Background()}
}

func overlaps(a, b call) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}
