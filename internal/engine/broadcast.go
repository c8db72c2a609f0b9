package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"squadline/internal/domain"
	"squadline/internal/events"
)

// Tone sets the framing of a broadcast message.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneKickoff Tone = "kickoff"
	ToneUrgent  Tone = "urgent"
)

// ParseTone validates a tone name. Empty means info.
func ParseTone(s string) (Tone, error) {
	switch Tone(s) {
	case "":
		return ToneInfo, nil
	case ToneInfo, ToneKickoff, ToneUrgent:
		return Tone(s), nil
	}
	return "", fmt.Errorf("unknown tone %q (want info, kickoff or urgent)", s)
}

func (t Tone) prefix() string {
	switch t {
	case ToneKickoff:
		return "[KICKOFF] Team kickoff. Read carefully before starting:"
	case ToneUrgent:
		return "[URGENT] Stop and address this now:"
	default:
		return "[INFO] Team announcement:"
	}
}

// Broadcast sends one message to every role's default backend session,
// creating sessions as needed. Roles are delivered concurrently and a
// failure for one role does not affect the others. Results follow role order.
func (e Engine) Broadcast(ctx context.Context, message string, tone Tone) []domain.DeliveryResult {
	roles := domain.Roles()
	out := make([]domain.DeliveryResult, len(roles))
	text := tone.prefix() + "\n\n" + message
	id := uuid.NewString()

	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role domain.Role) {
			defer wg.Done()
			res, err := e.Assign(ctx, domain.Assignment{ID: id, Role: role, Task: text})
			out[i] = domain.DeliveryResult{Role: role, Result: res}
			if err != nil {
				out[i].Error = err.Error()
			}
		}(i, role)
	}
	wg.Wait()

	delivered := 0
	for _, d := range out {
		if d.Result.OK() {
			delivered++
		}
	}
	e.appendEvent(ctx, events.TypeBroadcastSent, "broadcast", id, events.EventPayload{
		"tone":      tone,
		"roles":     len(roles),
		"delivered": delivered,
	})
	return out
}
