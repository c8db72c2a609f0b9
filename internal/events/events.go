// Package events appends audit records to the workspace event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeDispatchCompleted = "dispatch.completed"
	TypeFeedbackForwarded = "feedback.forwarded"
	TypeSessionReset      = "session.reset"
	TypeGateEvaluated     = "gate.evaluated"
	TypePlaybookUpdated   = "playbook.updated"
	TypeBroadcastSent     = "broadcast.sent"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. When tx is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, projectID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if tx == nil {
		if w.DB == nil {
			return nil
		}
		tx = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
