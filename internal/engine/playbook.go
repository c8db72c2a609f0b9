package engine

import (
	"context"

	"go.uber.org/zap"

	"squadline/internal/domain"
	"squadline/internal/events"
)

// ReadPlaybook returns all sections of a project's playbook.
func (e Engine) ReadPlaybook(ctx context.Context, projectID string) (domain.Playbook, error) {
	if e.DB == nil {
		return domain.Playbook{}, ErrNoStore
	}
	if projectID == "" {
		projectID = e.projectID()
	}
	return e.Repo.ReadPlaybook(ctx, projectID)
}

// ReadSection returns one section. It fails with repo.ErrNotFound when the
// section was never written.
func (e Engine) ReadSection(ctx context.Context, projectID, section string) (domain.PlaybookSection, error) {
	s, err := domain.ParseSection(section)
	if err != nil {
		return domain.PlaybookSection{}, err
	}
	if e.DB == nil {
		return domain.PlaybookSection{}, ErrNoStore
	}
	if projectID == "" {
		projectID = e.projectID()
	}
	return e.Repo.GetSection(ctx, projectID, s)
}

// Projects lists projects that have playbook content.
func (e Engine) Projects(ctx context.Context) ([]string, error) {
	if e.DB == nil {
		return nil, ErrNoStore
	}
	return e.Repo.ListProjects(ctx)
}

// UpdatePlaybook replaces one section. Writers to the same section are
// serialized and the last one wins.
func (e Engine) UpdatePlaybook(ctx context.Context, projectID, section, content string) (domain.PlaybookSection, error) {
	s, err := domain.ParseSection(section)
	if err != nil {
		return domain.PlaybookSection{}, err
	}
	if e.DB == nil {
		return domain.PlaybookSection{}, ErrNoStore
	}
	if projectID == "" {
		projectID = e.projectID()
	}
	lock := e.locks.get(projectID + "/" + string(s))
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PlaybookSection{}, err
	}
	defer tx.Rollback()

	saved, err := e.Repo.UpsertSectionTx(ctx, tx, projectID, s, content, e.now())
	if err != nil {
		return domain.PlaybookSection{}, err
	}
	w := e.Events
	w.Now = e.Now
	if err := w.Append(ctx, tx, events.TypePlaybookUpdated, projectID, "playbook", string(s), events.EventPayload{"bytes": len(content)}); err != nil {
		return domain.PlaybookSection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PlaybookSection{}, err
	}
	e.Logger.Info("playbook updated", zap.String("project", projectID), zap.String("section", string(s)))
	return saved, nil
}
