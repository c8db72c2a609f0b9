package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"squadline/internal/domain"
	"squadline/internal/events"
	"squadline/internal/registry"
	"squadline/internal/session"
)

// ErrNoActiveSession means feedback was sent to a role that has not been
// dispatched to yet.
var ErrNoActiveSession = errors.New("no active session")

// Forward delivers another role's output into the target role's existing
// session. It never creates a session. Without an explicit backend the
// target's default backend session is used, then its most recently used
// session on any other usable backend.
func (e Engine) Forward(ctx context.Context, env domain.FeedbackEnvelope) (domain.InvocationResult, error) {
	res, s, failed := e.feedbackTarget(env)
	if failed != nil {
		return *failed, nil
	}
	if s == nil {
		e.Logger.Info("feedback without session",
			zap.String("from", string(env.FromRole)),
			zap.String("to", string(env.ToRole)),
			zap.String("backend", res.Backend.Name),
		)
		return domain.InvocationResult{
			Role:     env.ToRole,
			Backend:  res.Backend.Name,
			Status:   domain.StatusNoActiveSession,
			ExitCode: -1,
			Output:   fmt.Sprintf("%s: %s has not been assigned any work", ErrNoActiveSession, env.ToRole),
		}, nil
	}
	out, err := e.turn(ctx, res, s, FeedbackPrompt(env))
	e.finish(ctx, uuid.NewString(), out)
	e.appendEvent(ctx, events.TypeFeedbackForwarded, "session", s.Key().String(), events.EventPayload{
		"from":   env.FromRole,
		"status": out.Status,
	})
	return out, err
}

// feedbackTarget picks the session feedback lands in. A nil session with a
// nil failure means the role has no usable live session.
func (e Engine) feedbackTarget(env domain.FeedbackEnvelope) (registry.Resolution, *session.Session, *domain.InvocationResult) {
	if env.Backend != "" {
		res, failed := e.resolve(env.ToRole, env.Backend)
		if failed != nil {
			return res, nil, failed
		}
		s, _ := e.Sessions.Lookup(env.ToRole, res.Backend.Name)
		return res, s, nil
	}

	res, err := e.Registry.Resolve(env.ToRole, "")
	if err == nil {
		if s, ok := e.Sessions.Lookup(env.ToRole, res.Backend.Name); ok {
			return res, s, nil
		}
	} else {
		var unknownRole registry.UnknownRoleError
		if errors.As(err, &unknownRole) {
			_, failed := e.resolve(env.ToRole, "")
			return res, nil, failed
		}
	}

	var live []domain.SessionSnapshot
	for _, snap := range e.Sessions.List() {
		if snap.Role == env.ToRole && snap.Backend != res.Backend.Name {
			live = append(live, snap)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].LastUsedAt.After(live[j].LastUsedAt) })
	for _, snap := range live {
		other, err := e.Registry.Resolve(env.ToRole, snap.Backend)
		if err != nil || other.Fallback() {
			continue
		}
		if s, ok := e.Sessions.Lookup(env.ToRole, snap.Backend); ok {
			return other, s, nil
		}
	}
	if err != nil {
		_, failed := e.resolve(env.ToRole, "")
		return res, nil, failed
	}
	return res, nil, nil
}

// FeedbackPrompt renders the revision request sent to the target role.
func FeedbackPrompt(env domain.FeedbackEnvelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feedback from %s on your previous work:\n\n", env.FromRole)
	b.WriteString(strings.TrimSpace(env.Artifact))
	b.WriteString("\n")
	if note := strings.TrimSpace(env.Annotation); note != "" {
		fmt.Fprintf(&b, "\nNote: %s\n", note)
	}
	b.WriteString("\nRevise your previous work to address this feedback.")
	return b.String()
}
