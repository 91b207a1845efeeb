package template

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/permseal/internal/policy"
)

// ErrNotFound is returned when a template or link does not exist.
var ErrNotFound = errors.New("template not found")

// Store persists templates and their per-subject authorization links.
type Store interface {
	CreateTemplate(ctx context.Context, t Template) (int64, error)
	GetTemplate(ctx context.Context, id int64) (Template, error)
	ListTemplates(ctx context.Context, systemID string) ([]Template, error)
	UpdateActionIDs(ctx context.Context, id int64, actionIDs []string) error
	SetUpdating(ctx context.Context, id int64, updating bool) error
	DeleteTemplate(ctx context.Context, id int64) error

	CountLinks(ctx context.Context, templateID int64) (int, error)
	CreateLink(ctx context.Context, l Link) error
	GetLink(ctx context.Context, templateID int64, subject policy.Subject) (Link, error)
	UpdateLinkPolicies(ctx context.Context, linkID int64, policies []policy.Policy) error
	DeleteLink(ctx context.Context, templateID int64, subject policy.Subject) error
	DeleteLinksBySubject(ctx context.Context, subject policy.Subject) error
	ListLinksBySubject(ctx context.Context, subject policy.Subject) ([]Link, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a PostgreSQL-backed template store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) CreateTemplate(ctx context.Context, t Template) (int64, error) {
	actionIDs, err := marshalActionIDs(t.ActionIDs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO templates (system_id, name, description, action_ids, creator, updating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.SystemID, t.Name, t.Description, actionIDs, t.Creator, t.Updating, t.CreatedAt,
	).Scan(&id)
	return id, err
}

func (s *sqlStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	var raw RawTemplate
	err := s.db.GetContext(ctx, &raw, `
		SELECT id, system_id, name, description, action_ids, creator, updating, created_at
		FROM templates WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, err
	}
	return raw.Parse()
}

func (s *sqlStore) ListTemplates(ctx context.Context, systemID string) ([]Template, error) {
	query := `
		SELECT id, system_id, name, description, action_ids, creator, updating, created_at
		FROM templates`
	args := []interface{}{}
	if systemID != "" {
		query += ` WHERE system_id = $1`
		args = append(args, systemID)
	}
	query += ` ORDER BY id`

	var raws []RawTemplate
	if err := s.db.SelectContext(ctx, &raws, query, args...); err != nil {
		return nil, err
	}
	templates := make([]Template, 0, len(raws))
	for _, raw := range raws {
		t, err := raw.Parse()
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

func (s *sqlStore) UpdateActionIDs(ctx context.Context, id int64, actionIDs []string) error {
	content, err := marshalActionIDs(actionIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE templates SET action_ids = $2 WHERE id = $1`, id, content)
	return err
}

func (s *sqlStore) SetUpdating(ctx context.Context, id int64, updating bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE templates SET updating = $2 WHERE id = $1`, id, updating)
	return err
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	return err
}

func (s *sqlStore) CountLinks(ctx context.Context, templateID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM template_links WHERE template_id = $1`, templateID)
	return count, err
}

func (s *sqlStore) CreateLink(ctx context.Context, l Link) error {
	policies, err := marshalPolicies(l.Policies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_links (template_id, system_id, subject_type, subject_id, policies, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.TemplateID, l.SystemID, l.SubjectType, l.SubjectID, policies, l.CreatedAt)
	return err
}

func (s *sqlStore) GetLink(ctx context.Context, templateID int64, subject policy.Subject) (Link, error) {
	var raw RawLink
	err := s.db.GetContext(ctx, &raw, `
		SELECT id, template_id, system_id, subject_type, subject_id, policies, created_at
		FROM template_links
		WHERE template_id = $1 AND subject_type = $2 AND subject_id = $3`,
		templateID, subject.Type, subject.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}
	return raw.Parse()
}

func (s *sqlStore) UpdateLinkPolicies(ctx context.Context, linkID int64, policies []policy.Policy) error {
	content, err := marshalPolicies(policies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE template_links SET policies = $2 WHERE id = $1`, linkID, content)
	return err
}

func (s *sqlStore) DeleteLink(ctx context.Context, templateID int64, subject policy.Subject) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM template_links
		WHERE template_id = $1 AND subject_type = $2 AND subject_id = $3`,
		templateID, subject.Type, subject.ID)
	return err
}

func (s *sqlStore) DeleteLinksBySubject(ctx context.Context, subject policy.Subject) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM template_links WHERE subject_type = $1 AND subject_id = $2`,
		subject.Type, subject.ID)
	return err
}

func (s *sqlStore) ListLinksBySubject(ctx context.Context, subject policy.Subject) ([]Link, error) {
	var raws []RawLink
	err := s.db.SelectContext(ctx, &raws, `
		SELECT id, template_id, system_id, subject_type, subject_id, policies, created_at
		FROM template_links
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY template_id`,
		subject.Type, subject.ID)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(raws))
	for _, raw := range raws {
		l, err := raw.Parse()
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}
