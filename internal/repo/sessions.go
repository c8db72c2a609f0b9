package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"squadline/internal/domain"
)

// SaveSession upserts a session snapshot keyed by (role, backend).
func (r Repo) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	history := snap.History
	if history == nil {
		history = []domain.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sessions(role,backend,id,history_json,turns,created_at,last_used_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(role,backend) DO UPDATE SET id=excluded.id, history_json=excluded.history_json, turns=excluded.turns,
created_at=excluded.created_at, last_used_at=excluded.last_used_at`,
		string(snap.Role), snap.Backend, snap.ID, string(data), snap.Turns,
		snap.CreatedAt.UTC().Format(timeLayout), snap.LastUsedAt.UTC().Format(timeLayout))
	return err
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.SessionSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,backend,id,history_json,turns,created_at,last_used_at FROM sessions ORDER BY role,backend`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SessionSnapshot
	for rows.Next() {
		var (
			snap                domain.SessionSnapshot
			role, history       string
			created, lastUsedAt string
		)
		if err := rows.Scan(&role, &snap.Backend, &snap.ID, &history, &snap.Turns, &created, &lastUsedAt); err != nil {
			return nil, err
		}
		snap.Role = domain.Role(role)
		if err := json.Unmarshal([]byte(history), &snap.History); err != nil {
			return nil, fmt.Errorf("session %s@%s history: %w", role, snap.Backend, err)
		}
		snap.CreatedAt = parseTime(created)
		snap.LastUsedAt = parseTime(lastUsedAt)
		res = append(res, snap)
	}
	return res, rows.Err()
}
