package role

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/policy"
)

// Service manages delegated roles, their members and their scopes, and
// builds scope checkers bound to a role's current bounds.
type Service struct {
	store  Store
	org    Directory
	logger *zap.Logger
}

// NewService creates the role service.
func NewService(store Store, org Directory, logger *zap.Logger) *Service {
	return &Service{store: store, org: org, logger: logger}
}

// CreateRole registers a role with its initial members and scopes. Role
// names are unique across the deployment.
func (s *Service) CreateRole(ctx context.Context, r Role, members []string, authScope []AuthScopeSystem, subjectScope []policy.Subject) (int64, error) {
	if r.Type == "" {
		r.Type = TypeManager
	}
	if r.Type != TypeSuper && r.Type != TypeManager {
		return 0, apperr.Validationf("unknown role type %s", r.Type)
	}

	_, err := s.store.GetRoleByName(ctx, r.Name)
	if err == nil {
		return 0, apperr.Conflictf("role %s already exists", r.Name)
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	r.CreatedAt = time.Now().UTC()
	id, err := s.store.CreateRole(ctx, r)
	if err != nil {
		return 0, err
	}

	if err := s.saveAuthScope(ctx, id, authScope); err != nil {
		return 0, err
	}
	if err := s.saveSubjectScope(ctx, id, subjectScope); err != nil {
		return 0, err
	}
	if len(members) > 0 {
		if err := s.store.AddMembers(ctx, id, members); err != nil {
			return 0, err
		}
	}

	s.logger.Info("Role created",
		zap.Int64("role_id", id),
		zap.String("name", r.Name),
		zap.String("type", r.Type))
	return id, nil
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, roleID int64) (Role, error) {
	return s.store.GetRole(ctx, roleID)
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateAuthorizationScope replaces the role's authorization scope.
func (s *Service) UpdateAuthorizationScope(ctx context.Context, roleID int64, scope []AuthScopeSystem) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	return s.saveAuthScope(ctx, roleID, scope)
}

// UpdateSubjectScope replaces the role's subject scope.
func (s *Service) UpdateSubjectScope(ctx context.Context, roleID int64, scope []policy.Subject) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	return s.saveSubjectScope(ctx, roleID, scope)
}

// AuthorizationScope returns the role's authorization scope. A role
// with no stored scope has an empty one: nothing may be granted.
func (s *Service) AuthorizationScope(ctx context.Context, roleID int64) ([]AuthScopeSystem, error) {
	content, err := s.store.GetScope(ctx, roleID, scopeAuthorization)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return []AuthScopeSystem{}, nil
	}
	var scope []AuthScopeSystem
	if err := json.Unmarshal(content, &scope); err != nil {
		return nil, err
	}
	return scope, nil
}

// SubjectScope returns the role's subject scope.
func (s *Service) SubjectScope(ctx context.Context, roleID int64) ([]policy.Subject, error) {
	content, err := s.store.GetScope(ctx, roleID, scopeSubject)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return []policy.Subject{}, nil
	}
	var scope []policy.Subject
	if err := json.Unmarshal(content, &scope); err != nil {
		return nil, err
	}
	return scope, nil
}

// AddMembers adds usernames to the role. Existing members are kept.
func (s *Service) AddMembers(ctx context.Context, roleID int64, usernames []string) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	return s.store.AddMembers(ctx, roleID, usernames)
}

// RemoveMember removes one username from the role.
func (s *Service) RemoveMember(ctx context.Context, roleID int64, username string) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	return s.store.RemoveMember(ctx, roleID, username)
}

// Members lists the role's member usernames.
func (s *Service) Members(ctx context.Context, roleID int64) ([]string, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, roleID)
}

// NewScopeChecker loads the role and its scopes and returns a checker
// bound to them.
func (s *Service) NewScopeChecker(ctx context.Context, roleID int64) (*ScopeChecker, error) {
	r, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	authScope, err := s.AuthorizationScope(ctx, roleID)
	if err != nil {
		return nil, err
	}
	subjects, err := s.SubjectScope(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return NewScopeChecker(r, authScope, subjects, s.org), nil
}

// VerifyMember reports whether the user may act as the role. It
// satisfies the middleware role verifier contract.
func (s *Service) VerifyMember(ctx context.Context, roleID int64, username string) error {
	r, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Scopef("role %d does not exist", roleID)
		}
		return err
	}
	ok, err := s.store.IsMember(ctx, roleID, username)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Scopef("user %s is not a member of role %s", username, r.Name)
	}
	return nil
}

func (s *Service) saveAuthScope(ctx context.Context, roleID int64, scope []AuthScopeSystem) error {
	if scope == nil {
		scope = []AuthScopeSystem{}
	}
	content, err := json.Marshal(scope)
	if err != nil {
		return err
	}
	return s.store.SaveScope(ctx, roleID, scopeAuthorization, content)
}

func (s *Service) saveSubjectScope(ctx context.Context, roleID int64, scope []policy.Subject) error {
	if scope == nil {
		scope = []policy.Subject{}
	}
	content, err := json.Marshal(scope)
	if err != nil {
		return err
	}
	return s.store.SaveScope(ctx, roleID, scopeSubject, content)
}
