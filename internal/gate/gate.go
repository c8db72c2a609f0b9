// Package gate runs quality checks and aggregates them into a GO / NO-GO
// verdict.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"squadline/internal/backend"
	"squadline/internal/config"
	"squadline/internal/domain"
)

// State is a gate evaluation phase.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateGo      State = "GO"
	StateNoGo    State = "NO-GO"
)

// Transition is reported to an Observer on every state change. Index is the
// position of the running check and -1 otherwise.
type Transition struct {
	State State
	Index int
	Check string
}

type Observer func(Transition)

// Check is one gate step.
type Check interface {
	Name() string
	Run(ctx context.Context, workingDir string) domain.GateCheck
}

// CommandCheck runs a quality tool and judges it by exit status.
type CommandCheck struct {
	CheckName string
	Command   []string
	Timeout   time.Duration
	Runner    backend.Runner
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Run(ctx context.Context, workingDir string) domain.GateCheck {
	res := domain.GateCheck{Name: c.CheckName, Command: c.Command}
	if len(c.Command) == 0 {
		res.Status = domain.CheckError
		res.Detail = "no command configured"
		return res
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runner := c.Runner
	if runner == nil {
		runner = backend.ExecRunner{}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := runner.Run(runCtx, backend.Command{Path: c.Command[0], Args: c.Command[1:], Dir: workingDir})
	res.Duration = time.Since(start)
	res.Detail = strings.TrimSpace(string(out.Output))

	switch {
	case !out.Started:
		res.Status = domain.CheckError
		res.Detail = fmt.Sprintf("%s could not start: %v", c.Command[0], out.StartErr)
	case runCtx.Err() != nil:
		res.Status = domain.CheckError
		res.Detail = appendDetail(fmt.Sprintf("%s did not finish: %v", c.Command[0], runCtx.Err()), res.Detail)
	case out.ExitCode != 0:
		res.Status = domain.CheckFail
	case out.WaitErr != nil:
		res.Status = domain.CheckError
		res.Detail = appendDetail(out.WaitErr.Error(), res.Detail)
	default:
		res.Status = domain.CheckPass
	}
	return res
}

func appendDetail(head, tail string) string {
	if tail == "" {
		return head
	}
	return head + "\n" + tail
}

// Reviewer dispatches a review prompt to the reviewer role.
type Reviewer interface {
	Review(ctx context.Context, prompt string) domain.InvocationResult
}

// ReviewCheck passes when the reviewer's verdict line opens with the
// approval marker.
type ReviewCheck struct {
	Reviewer Reviewer
	Marker   string
	Prompt   string
}

func (c ReviewCheck) Name() string { return config.ReviewCheck }

func (c ReviewCheck) Run(ctx context.Context, workingDir string) domain.GateCheck {
	res := domain.GateCheck{Name: config.ReviewCheck}
	if c.Reviewer == nil {
		res.Status = domain.CheckError
		res.Detail = "no reviewer configured"
		return res
	}
	marker := c.Marker
	if marker == "" {
		marker = "APPROVED"
	}
	prompt := c.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Review the current changes in %s. Start your reply with %s on its own line if they are ready to merge, otherwise list the blocking problems.", dirOrCurrent(workingDir), marker)
	}
	start := time.Now()
	out := c.Reviewer.Review(ctx, prompt)
	res.Duration = time.Since(start)
	res.Detail = strings.TrimSpace(out.Output)
	switch {
	case !out.OK():
		res.Status = domain.CheckError
		res.Detail = appendDetail(fmt.Sprintf("reviewer dispatch %s", out.Status), res.Detail)
	case approved(out.Output, marker):
		res.Status = domain.CheckPass
	default:
		res.Status = domain.CheckFail
	}
	return res
}

// approved reports whether the first non-empty line of output starts with
// marker as a whole word. Markdown emphasis around the verdict is ignored.
func approved(output, marker string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "*_`#> ")
		if line == "" {
			continue
		}
		rest, ok := strings.CutPrefix(line, marker)
		if !ok {
			return false
		}
		r, _ := utf8.DecodeRuneInString(rest)
		return rest == "" || !(unicode.IsLetter(r) || unicode.IsDigit(r))
	}
	return false
}

func dirOrCurrent(dir string) string {
	if dir == "" {
		return "the working directory"
	}
	return dir
}

type unknownCheck string

func (u unknownCheck) Name() string { return string(u) }

func (u unknownCheck) Run(context.Context, string) domain.GateCheck {
	return domain.GateCheck{Name: string(u), Status: domain.CheckError, Detail: "unknown check"}
}

// Engine builds checks from config and evaluates them.
type Engine struct {
	Config   config.GateConfig
	Runner   backend.Runner
	Reviewer Reviewer
	Logger   *zap.Logger
	Observer Observer
}

func New(cfg config.GateConfig, runner backend.Runner, reviewer Reviewer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Config: cfg, Runner: runner, Reviewer: reviewer, Logger: logger}
}

// Checks resolves names to checks. An empty list means the configured order.
// Unknown names become checks that always report an error.
func (e *Engine) Checks(names []string) []Check {
	if len(names) == 0 {
		names = e.Config.Order
	}
	out := make([]Check, 0, len(names))
	for _, name := range names {
		if name == config.ReviewCheck {
			out = append(out, ReviewCheck{Reviewer: e.Reviewer, Marker: e.Config.Review.Marker, Prompt: e.Config.Review.Prompt})
			continue
		}
		cc, ok := e.Config.Checks[name]
		if !ok {
			out = append(out, unknownCheck(name))
			continue
		}
		out = append(out, CommandCheck{CheckName: name, Command: cc.Command, Timeout: cc.Timeout, Runner: e.Runner})
	}
	return out
}

// Evaluate runs the named checks in order and aggregates the verdict.
func (e *Engine) Evaluate(ctx context.Context, names []string, workingDir string) domain.GateVerdict {
	return e.Run(ctx, e.Checks(names), workingDir)
}

// Run executes every check, failing or not, and returns a fresh verdict.
func (e *Engine) Run(ctx context.Context, checks []Check, workingDir string) domain.GateVerdict {
	e.notify(Transition{State: StatePending, Index: -1})
	verdict := domain.GateVerdict{Decision: domain.DecisionGo, Results: make([]domain.GateCheck, 0, len(checks))}
	for i, c := range checks {
		e.notify(Transition{State: StateRunning, Index: i, Check: c.Name()})
		res := c.Run(ctx, workingDir)
		if res.Status != domain.CheckPass {
			verdict.Decision = domain.DecisionNoGo
		}
		verdict.Results = append(verdict.Results, res)
	}
	final := StateGo
	if verdict.Decision == domain.DecisionNoGo {
		final = StateNoGo
	}
	e.notify(Transition{State: final, Index: -1})
	return verdict
}

func (e *Engine) notify(t Transition) {
	if e.Logger != nil {
		e.Logger.Debug("gate transition", zap.String("state", string(t.State)), zap.Int("index", t.Index), zap.String("check", t.Check))
	}
	if e.Observer != nil {
		e.Observer(t)
	}
}
