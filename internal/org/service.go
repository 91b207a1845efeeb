package org

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
)

// Service answers organization queries for scope checking and owns the
// write path the directory sync uses.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates an organization service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// UpsertDepartment writes a department, computing its ancestor chain
// from its parent. Parents must be written before their children.
func (s *Service) UpsertDepartment(ctx context.Context, dept Department) error {
	if dept.ParentID == "" {
		dept.Ancestors = []string{}
		return s.store.UpsertDepartment(ctx, dept)
	}
	parent, err := s.store.GetDepartment(ctx, dept.ParentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Validationf("parent department %s of %s does not exist", dept.ParentID, dept.ID)
		}
		return err
	}
	dept.Ancestors = append(append([]string{}, parent.Ancestors...), parent.ID)
	return s.store.UpsertDepartment(ctx, dept)
}

// UpsertUser writes a user.
func (s *Service) UpsertUser(ctx context.Context, user User) error {
	return s.store.UpsertUser(ctx, user)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, username string) (User, error) {
	return s.store.GetUser(ctx, username)
}

// GetDepartment returns one department.
func (s *Service) GetDepartment(ctx context.Context, id string) (Department, error) {
	return s.store.GetDepartment(ctx, id)
}

// ListDepartments returns all departments.
func (s *Service) ListDepartments(ctx context.Context) ([]Department, error) {
	return s.store.ListDepartments(ctx)
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// RemoveDepartmentsNotIn deletes every department absent from ids.
func (s *Service) RemoveDepartmentsNotIn(ctx context.Context, ids []string) (int64, error) {
	return s.store.DeleteDepartmentsNotIn(ctx, ids)
}

// RemoveUsersNotIn deletes every user absent from usernames.
func (s *Service) RemoveUsersNotIn(ctx context.Context, usernames []string) (int64, error) {
	return s.store.DeleteUsersNotIn(ctx, usernames)
}

// UserDepartmentChain returns the ids of the user's department and all
// its ancestors, root first. Users without a department, unknown
// users and dangling department references all yield an empty chain:
// scope checks treat them as belonging nowhere.
func (s *Service) UserDepartmentChain(ctx context.Context, username string) ([]string, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if user.DepartmentID == "" {
		return nil, nil
	}
	dept, err := s.store.GetDepartment(ctx, user.DepartmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("User references a missing department",
				zap.String("username", username),
				zap.String("department_id", user.DepartmentID))
			return nil, nil
		}
		return nil, err
	}
	return append(append([]string{}, dept.Ancestors...), dept.ID), nil
}
