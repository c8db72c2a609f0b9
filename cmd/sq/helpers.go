package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"squadline/internal/app"
	"squadline/internal/domain"
	"squadline/internal/engine"
	"squadline/internal/registry"
)

// exitError carries a process exit code. err may be nil when the output
// already explains the failure.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

// statusExit maps a dispatch status to the CLI exit code.
func statusExit(res domain.InvocationResult) error {
	switch res.Status {
	case domain.StatusOK:
		return nil
	case domain.StatusTimeout:
		return exitError{code: 124}
	default:
		return exitError{code: 1}
	}
}

func options() app.Options {
	return app.Options{
		Workspace:       viper.GetString("workspace"),
		ConfigPath:      viper.GetString("config"),
		ProjectOverride: viper.GetString("project"),
		LogLevel:        viper.GetString("log-level"),
		LogFormat:       viper.GetString("log-format"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

// parseAssignments reads role=task or role=task::target_file items.
func parseAssignments(items []string) ([]domain.Assignment, error) {
	out := make([]domain.Assignment, 0, len(items))
	for _, item := range items {
		role, rest, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(role) == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid --assign %q, want role=task", item)
		}
		task, target, _ := strings.Cut(rest, "::")
		out = append(out, domain.Assignment{
			Role:       domain.Role(strings.TrimSpace(role)),
			Task:       task,
			TargetFile: strings.TrimSpace(target),
		})
	}
	return out, nil
}

func printResult(res domain.InvocationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if res.FallbackFrom != "" {
		fmt.Fprintf(os.Stderr, "note: %s unavailable, used %s\n", res.FallbackFrom, res.Backend)
	}
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "%s: %s", res.Role, res.Status)
		if res.Status == domain.StatusNonzero {
			fmt.Fprintf(os.Stderr, " (exit %d)", res.ExitCode)
		}
		fmt.Fprintln(os.Stderr)
		if res.Hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", res.Hint)
		}
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printResultsTable(results []domain.InvocationResult) {
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Role", "Backend", "Status", "Turn", "Duration", "Output"})
	for i, r := range results {
		status := string(r.Status)
		if r.Retried {
			status += " (retried)"
		}
		tw.AppendRow(table.Row{i + 1, r.Role, r.Backend, status, r.Turn, r.Duration.Round(time.Millisecond), firstLine(r.Output)})
	}
	tw.Render()
}

func printGateReport(rep engine.GateReport) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Check", "Status", "Duration", "Detail"})
	for _, c := range rep.Verdict.Results {
		tw.AppendRow(table.Row{c.Name, c.Status, c.Duration.Round(time.Millisecond), firstLine(c.Detail)})
	}
	tw.Render()
	verdict := "GO"
	if rep.Verdict.Decision == domain.DecisionNoGo {
		verdict = fmt.Sprintf("NO-GO: %d failing", len(rep.Verdict.Failing()))
	}
	fmt.Println(verdict)
	if rep.Feedback != nil {
		fmt.Printf("failures forwarded to %s (%s)\n", rep.Feedback.Role, rep.Feedback.Status)
	}
}

func printDeliveries(items []domain.DeliveryResult) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Role", "Backend", "Status", "Output"})
	for _, d := range items {
		out := firstLine(d.Result.Output)
		if d.Error != "" {
			out = d.Error
		}
		tw.AppendRow(table.Row{d.Role, d.Result.Backend, d.Result.Status, out})
	}
	tw.Render()
}

func printRoles(items []registry.RoleBinding) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Role", "Backend", "Disabled"})
	for _, b := range items {
		tw.AppendRow(table.Row{b.Role, b.Backend, b.Disabled})
	}
	tw.Render()
}

func printSessions(items []domain.SessionSnapshot) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Role", "Backend", "Session", "Turns", "Last used"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.Role, s.Backend, s.ID, s.Turns, s.LastUsedAt.Local().Format("2006-01-02 15:04:05")})
	}
	tw.Render()
}

func printEvents(items []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Payload})
	}
	tw.Render()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
