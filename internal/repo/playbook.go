package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"squadline/internal/domain"
)

// UpsertSectionTx replaces one section's content. The project row is created
// on first write.
func (r Repo) UpsertSectionTx(ctx context.Context, tx *sql.Tx, projectID string, section domain.Section, content string, now time.Time) (domain.PlaybookSection, error) {
	if err := r.EnsureProject(ctx, tx, projectID, now); err != nil {
		return domain.PlaybookSection{}, fmt.Errorf("ensure project: %w", err)
	}
	ts := now.UTC().Format(timeLayout)
	_, err := tx.ExecContext(ctx, `INSERT INTO playbook_sections(project_id,section,content,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,section) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		projectID, string(section), content, ts)
	if err != nil {
		return domain.PlaybookSection{}, err
	}
	return domain.PlaybookSection{ProjectID: projectID, Name: section, Content: content, UpdatedAt: ts}, nil
}

func (r Repo) GetSection(ctx context.Context, projectID string, section domain.Section) (domain.PlaybookSection, error) {
	s := domain.PlaybookSection{ProjectID: projectID, Name: section}
	err := r.DB.QueryRowContext(ctx, `SELECT content,updated_at FROM playbook_sections WHERE project_id=? AND section=?`,
		projectID, string(section)).Scan(&s.Content, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// ReadPlaybook returns every section of a project. Sections never written
// come back with empty content.
func (r Repo) ReadPlaybook(ctx context.Context, projectID string) (domain.Playbook, error) {
	pb := domain.Playbook{ProjectID: projectID, Sections: make(map[domain.Section]domain.PlaybookSection)}
	for _, s := range domain.Sections() {
		pb.Sections[s] = domain.PlaybookSection{ProjectID: projectID, Name: s}
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT section,content,updated_at FROM playbook_sections WHERE project_id=?`, projectID)
	if err != nil {
		return pb, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, content, updated string
		if err := rows.Scan(&name, &content, &updated); err != nil {
			return pb, err
		}
		s, err := domain.ParseSection(name)
		if err != nil {
			// rows from a newer schema are ignored
			continue
		}
		pb.Sections[s] = domain.PlaybookSection{ProjectID: projectID, Name: s, Content: content, UpdatedAt: updated}
	}
	return pb, rows.Err()
}
