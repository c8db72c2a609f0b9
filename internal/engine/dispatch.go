package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"squadline/internal/backend"
	"squadline/internal/config"
	"squadline/internal/domain"
	"squadline/internal/events"
	"squadline/internal/registry"
	"squadline/internal/session"
)

// Assign delegates one task to a role. Unknown roles and unusable backends
// are reported through the result status; the error is reserved for
// failures outside the dispatch contract.
func (e Engine) Assign(ctx context.Context, a domain.Assignment) (domain.InvocationResult, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	res, failed := e.resolve(a.Role, a.Backend)
	if failed != nil {
		e.finish(ctx, a.ID, *failed)
		return *failed, nil
	}
	s := e.Sessions.GetOrCreate(a.Role, res.Backend.Name)
	out, err := e.turn(ctx, res, s, withTargetFile(a.Task, a.TargetFile))
	e.finish(ctx, a.ID, out)
	return out, err
}

// resolve maps registry errors to result statuses.
func (e Engine) resolve(role domain.Role, override string) (registry.Resolution, *domain.InvocationResult) {
	res, err := e.Registry.Resolve(role, override)
	if err != nil {
		failed := domain.InvocationResult{Role: role, Backend: override, ExitCode: -1, Output: err.Error()}
		var unknownRole registry.UnknownRoleError
		if errors.As(err, &unknownRole) {
			failed.Status = domain.StatusUnknownRole
		} else {
			failed.Status = domain.StatusUnknownBackend
		}
		return res, &failed
	}
	if res.Fallback() {
		e.Logger.Warn("backend override not usable, using role default",
			zap.String("role", string(role)),
			zap.String("requested", res.FallbackFrom),
			zap.String("used", res.Backend.Name),
			zap.String("reason", res.FallbackReason),
		)
		e.Metrics.ObserveFallback(string(role))
	}
	return res, nil
}

// turn runs one prompt through a session while holding its turn lock.
func (e Engine) turn(ctx context.Context, res registry.Resolution, s *session.Session, prompt string) (domain.InvocationResult, error) {
	out := domain.InvocationResult{Role: res.Role, Backend: res.Backend.Name, FallbackFrom: res.FallbackFrom}
	if err := s.Lock(ctx); err != nil {
		out.Status = domain.StatusCanceled
		out.ExitCode = -1
		out.Output = err.Error()
		return out, nil
	}
	defer s.Unlock()

	turns := s.Turns()
	inv := backend.Invocation{
		Backend:    res.Backend,
		SessionID:  s.ID(),
		Continuing: turns > 0,
		Prompt:     prompt,
		WorkingDir: e.Config.Dispatch.WorkingDir,
		Timeout:    res.Backend.Timeout,
	}
	if !res.Backend.SupportsContinuation {
		inv.Prompt = withTranscript(s.History(), prompt)
	}
	result, err := e.Adapter.Invoke(ctx, inv)
	result.Role = res.Role
	result.FallbackFrom = res.FallbackFrom
	result.SessionID = inv.SessionID
	if err != nil {
		return result, err
	}

	if countsAsTurn(result.Status) {
		var msgs []domain.Message
		if !res.Backend.SupportsContinuation && result.OK() {
			msgs = []domain.Message{
				{Speaker: "user", Text: prompt},
				{Speaker: res.Backend.Name, Text: result.Output},
			}
		}
		if err := e.Sessions.Touch(ctx, s, msgs...); err != nil {
			result.Turn = s.Turns()
			return result, err
		}
	}
	result.Turn = s.Turns()
	return result, nil
}

// countsAsTurn reports whether the backend ran far enough to consume a turn.
// Timed-out and failed turns count.
func countsAsTurn(st domain.Status) bool {
	switch st {
	case domain.StatusOK, domain.StatusTimeout, domain.StatusNonzero:
		return true
	}
	return false
}

func (e Engine) finish(ctx context.Context, assignmentID string, res domain.InvocationResult) {
	e.Metrics.ObserveDispatch(string(res.Role), res.Backend, string(res.Status), res.Duration)
	fields := []zap.Field{
		zap.String("assignment", assignmentID),
		zap.String("role", string(res.Role)),
		zap.String("backend", res.Backend),
		zap.String("status", string(res.Status)),
		zap.Int("turn", res.Turn),
		zap.Duration("duration", res.Duration),
	}
	if res.OK() {
		e.Logger.Info("dispatch completed", fields...)
	} else {
		e.Logger.Warn("dispatch failed", fields...)
	}
	entityID := string(res.Role)
	if res.Backend != "" {
		entityID = session.Key{Role: res.Role, Backend: res.Backend}.String()
	}
	e.appendEvent(ctx, events.TypeDispatchCompleted, "session", entityID, events.EventPayload{
		"assignment":    assignmentID,
		"status":        res.Status,
		"exit_code":     res.ExitCode,
		"turn":          res.Turn,
		"duration_ms":   res.Duration.Milliseconds(),
		"fallback_from": res.FallbackFrom,
	})
}

func withTargetFile(task, file string) string {
	if file == "" {
		return task
	}
	return fmt.Sprintf("%s\n\nTarget file: %s", task, file)
}

func withTranscript(history []domain.Message, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "[%s] %s\n", m.Speaker, m.Text)
	}
	b.WriteString("\nNext request:\n")
	b.WriteString(prompt)
	return b.String()
}

// AssignParallel spreads assignments across the pool. Assignment i runs on
// slot i mod len(pool); a slot runs its assignments in input order while
// slots run concurrently. Results keep the input order.
func (e Engine) AssignParallel(ctx context.Context, assignments []domain.Assignment) ([]domain.InvocationResult, error) {
	results := make([]domain.InvocationResult, len(assignments))
	pool, err := e.Registry.Pool()
	if err != nil {
		for i, a := range assignments {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			results[i] = domain.InvocationResult{Role: a.Role, Status: domain.StatusUnknownBackend, ExitCode: -1, Output: err.Error()}
			e.finish(ctx, a.ID, results[i])
		}
		return results, nil
	}

	plan := make(map[int][]int, len(pool))
	for i := range assignments {
		slot := i % len(pool)
		plan[slot] = append(plan[slot], i)
	}
	errs := e.runSlots(ctx, pool, plan, assignments, results, false)

	if e.Config.Dispatch.RetryTimeoutOnNextSlot && len(pool) > 1 {
		retry := make(map[int][]int)
		for i, r := range results {
			if r.Status == domain.StatusTimeout {
				slot := (i%len(pool) + 1) % len(pool)
				retry[slot] = append(retry[slot], i)
			}
		}
		if len(retry) > 0 {
			errs = append(errs, e.runSlots(ctx, pool, retry, assignments, results, true)...)
		}
	}
	return results, errors.Join(errs...)
}

// runSlots runs one goroutine per slot and waits for all of them.
func (e Engine) runSlots(ctx context.Context, pool []config.Backend, plan map[int][]int, assignments []domain.Assignment, results []domain.InvocationResult, retried bool) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for slot, indexes := range plan {
		wg.Add(1)
		go func(b config.Backend, indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				a := assignments[i]
				a.Backend = b.Name
				res, err := e.Assign(ctx, a)
				res.Retried = retried
				results[i] = res
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("assignment %d: %w", i, err))
					mu.Unlock()
				}
			}
		}(pool[slot], indexes)
	}
	wg.Wait()
	return errs
}
