package role

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a role does not exist.
var ErrNotFound = errors.New("role not found")

// Store persists roles, their members and their scopes.
type Store interface {
	CreateRole(ctx context.Context, r Role) (int64, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	AddMembers(ctx context.Context, roleID int64, usernames []string) error
	RemoveMember(ctx context.Context, roleID int64, username string) error
	ListMembers(ctx context.Context, roleID int64) ([]string, error)
	IsMember(ctx context.Context, roleID int64, username string) (bool, error)

	SaveScope(ctx context.Context, roleID int64, scopeType string, content []byte) error
	GetScope(ctx context.Context, roleID int64, scopeType string) ([]byte, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a PostgreSQL-backed role store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) CreateRole(ctx context.Context, r Role) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO roles (name, description, type, creator, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		r.Name, r.Description, r.Type, r.Creator, r.CreatedAt,
	).Scan(&id)
	return id, err
}

func (s *sqlStore) GetRole(ctx context.Context, id int64) (Role, error) {
	var r Role
	err := s.db.GetContext(ctx, &r, `
		SELECT id, name, description, type, creator, created_at
		FROM roles WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	var r Role
	err := s.db.GetContext(ctx, &r, `
		SELECT id, name, description, type, creator, created_at
		FROM roles WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) ListRoles(ctx context.Context) ([]Role, error) {
	roles := []Role{}
	err := s.db.SelectContext(ctx, &roles, `
		SELECT id, name, description, type, creator, created_at
		FROM roles ORDER BY id`)
	return roles, err
}

func (s *sqlStore) AddMembers(ctx context.Context, roleID int64, usernames []string) error {
	for _, username := range usernames {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO role_members (role_id, username)
			VALUES ($1, $2)
			ON CONFLICT (role_id, username) DO NOTHING`,
			roleID, username)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) RemoveMember(ctx context.Context, roleID int64, username string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_members WHERE role_id = $1 AND username = $2`,
		roleID, username)
	return err
}

func (s *sqlStore) ListMembers(ctx context.Context, roleID int64) ([]string, error) {
	members := []string{}
	err := s.db.SelectContext(ctx, &members, `
		SELECT username FROM role_members WHERE role_id = $1 ORDER BY username`,
		roleID)
	return members, err
}

func (s *sqlStore) IsMember(ctx context.Context, roleID int64, username string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM role_members WHERE role_id = $1 AND username = $2`,
		roleID, username)
	return count > 0, err
}

func (s *sqlStore) SaveScope(ctx context.Context, roleID int64, scopeType string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_scopes (role_id, type, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, type) DO UPDATE SET content = EXCLUDED.content`,
		roleID, scopeType, content)
	return err
}

func (s *sqlStore) GetScope(ctx context.Context, roleID int64, scopeType string) ([]byte, error) {
	var content []byte
	err := s.db.GetContext(ctx, &content, `
		SELECT content FROM role_scopes WHERE role_id = $1 AND type = $2`,
		roleID, scopeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return content, err
}
