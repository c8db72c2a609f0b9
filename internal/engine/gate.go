package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"squadline/internal/domain"
	"squadline/internal/events"
	"squadline/internal/gate"
)

// gateSource names the gate as the sender of forwarded failures.
const gateSource domain.Role = "quality-gate"

type GateRequest struct {
	Checks     []string
	WorkingDir string
	// Feedback forwards failing check output to the coder on NO-GO.
	Feedback bool
	Observer gate.Observer
}

type GateReport struct {
	Verdict domain.GateVerdict
	// Feedback is set when failures were forwarded.
	Feedback *domain.InvocationResult
}

// reviewer routes gate review prompts through the dispatcher.
type reviewer struct {
	e Engine
}

func (r reviewer) Review(ctx context.Context, prompt string) domain.InvocationResult {
	res, err := r.e.Assign(ctx, domain.Assignment{Role: domain.RoleReviewer, Task: prompt})
	if err != nil && res.Output == "" {
		res.Output = err.Error()
	}
	return res
}

// Gate builds a gate engine bound to the current config.
func (e Engine) Gate() *gate.Engine {
	return gate.New(e.Config.Gate, e.Runner, reviewer{e: e}, e.Logger)
}

// EnforceGate evaluates the quality gate. Checks always all run; on NO-GO
// with Feedback set the failures are forwarded to the coder's session.
func (e Engine) EnforceGate(ctx context.Context, req GateRequest) (GateReport, error) {
	g := e.Gate()
	g.Observer = req.Observer
	dir := req.WorkingDir
	if dir == "" {
		dir = e.Config.Dispatch.WorkingDir
	}
	verdict := g.Evaluate(ctx, req.Checks, dir)
	e.Metrics.ObserveVerdict(string(verdict.Decision))

	failing := verdict.Failing()
	names := make([]string, 0, len(failing))
	for _, c := range failing {
		names = append(names, c.Name)
	}
	e.Logger.Info("gate evaluated", zap.String("verdict", string(verdict.Decision)), zap.Strings("failing", names))
	e.appendEvent(ctx, events.TypeGateEvaluated, "gate", "", events.EventPayload{
		"verdict": verdict.Decision,
		"checks":  len(verdict.Results),
		"failing": names,
	})

	report := GateReport{Verdict: verdict}
	if verdict.Decision != domain.DecisionNoGo || !req.Feedback {
		return report, nil
	}
	fb, err := e.Forward(ctx, domain.FeedbackEnvelope{
		FromRole:   gateSource,
		ToRole:     domain.RoleCoder,
		Artifact:   failureReport(failing),
		Annotation: "The quality gate returned NO-GO.",
	})
	report.Feedback = &fb
	return report, err
}

func failureReport(failing []domain.GateCheck) string {
	var b strings.Builder
	for _, c := range failing {
		fmt.Fprintf(&b, "## %s (%s)\n", c.Name, c.Status)
		if c.Detail != "" {
			b.WriteString(c.Detail)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
