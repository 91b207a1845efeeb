package org

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a user or department does not exist.
var ErrNotFound = errors.New("organization entry not found")

// Store persists users and departments.
type Store interface {
	UpsertDepartment(ctx context.Context, dept Department) error
	GetDepartment(ctx context.Context, id string) (Department, error)
	ListDepartments(ctx context.Context) ([]Department, error)
	DeleteDepartmentsNotIn(ctx context.Context, ids []string) (int64, error)

	UpsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUsersNotIn(ctx context.Context, usernames []string) (int64, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates an organization store backed by Postgres.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) UpsertDepartment(ctx context.Context, dept Department) error {
	ancestors, err := marshalAncestors(dept.Ancestors)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO departments (id, name, parent_id, ancestors, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = EXCLUDED.parent_id,
			ancestors = EXCLUDED.ancestors,
			updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, dept.ID, dept.Name, dept.ParentID, ancestors); err != nil {
		return fmt.Errorf("failed to upsert department %s: %w", dept.ID, err)
	}
	return nil
}

func (s *sqlStore) GetDepartment(ctx context.Context, id string) (Department, error) {
	var raw RawDepartment
	query := `SELECT id, name, parent_id, ancestors, updated_at FROM departments WHERE id = $1`
	if err := s.db.GetContext(ctx, &raw, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Department{}, ErrNotFound
		}
		return Department{}, fmt.Errorf("failed to get department %s: %w", id, err)
	}
	return raw.Parse()
}

func (s *sqlStore) ListDepartments(ctx context.Context) ([]Department, error) {
	var raws []RawDepartment
	query := `SELECT id, name, parent_id, ancestors, updated_at FROM departments ORDER BY id`
	if err := s.db.SelectContext(ctx, &raws, query); err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	depts := make([]Department, 0, len(raws))
	for _, raw := range raws {
		dept, err := raw.Parse()
		if err != nil {
			return nil, err
		}
		depts = append(depts, dept)
	}
	return depts, nil
}

func (s *sqlStore) DeleteDepartmentsNotIn(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM departments`)
		if err != nil {
			return 0, fmt.Errorf("failed to delete departments: %w", err)
		}
		return res.RowsAffected()
	}
	query, args, err := sqlx.In(`DELETE FROM departments WHERE id NOT IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build department delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vanished departments: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) UpsertUser(ctx context.Context, user User) error {
	query := `
		INSERT INTO users (username, display_name, department_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (username) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			department_id = EXCLUDED.department_id,
			updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, user.Username, user.DisplayName, user.DepartmentID); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.Username, err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	query := `SELECT username, display_name, department_id, updated_at FROM users WHERE username = $1`
	if err := s.db.GetContext(ctx, &user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return user, nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	query := `SELECT username, display_name, department_id, updated_at FROM users ORDER BY username`
	if err := s.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *sqlStore) DeleteUsersNotIn(ctx context.Context, usernames []string) (int64, error) {
	if len(usernames) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM users`)
		if err != nil {
			return 0, fmt.Errorf("failed to delete users: %w", err)
		}
		return res.RowsAffected()
	}
	query, args, err := sqlx.In(`DELETE FROM users WHERE username NOT IN (?)`, usernames)
	if err != nil {
		return 0, fmt.Errorf("failed to build user delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vanished users: %w", err)
	}
	return res.RowsAffected()
}
