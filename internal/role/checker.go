package role

import (
	"context"
	"errors"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/org"
	"github.com/dhawalhost/permseal/internal/policy"
)

// Directory answers organization lookups during subject scope checks.
// The org service satisfies it.
type Directory interface {
	UserDepartmentChain(ctx context.Context, username string) ([]string, error)
	GetDepartment(ctx context.Context, id string) (org.Department, error)
}

// ScopeChecker enforces that a role cannot grant beyond its own bounds.
// It is built against a snapshot of the role's scopes and is safe to
// reuse for every check within one request.
type ScopeChecker struct {
	role      Role
	authScope []AuthScopeSystem
	subjects  []policy.Subject
	org       Directory
}

// NewScopeChecker wraps loaded scopes in a checker.
func NewScopeChecker(r Role, authScope []AuthScopeSystem, subjects []policy.Subject, directory Directory) *ScopeChecker {
	return &ScopeChecker{role: r, authScope: authScope, subjects: subjects, org: directory}
}

// CheckPolicies fails with a scope violation unless every policy's
// action is within the role's allowed-action set for the system and
// every resource condition is contained in the scope's condition for
// the same resource type. Containment is at the instance and attribute
// level: a scope of R1 does not authorize granting over R1 plus R2.
func (c *ScopeChecker) CheckPolicies(systemID string, policies []policy.Policy) error {
	if c.role.Type == TypeSuper {
		return nil
	}

	var system *AuthScopeSystem
	for i := range c.authScope {
		if c.authScope[i].SystemID == systemID {
			system = &c.authScope[i]
			break
		}
	}
	if system == nil {
		return apperr.Scopef("system %s is not in the authorization scope of role %s", systemID, c.role.Name)
	}

	actions := make(map[string]AuthScopeAction, len(system.Actions))
	for _, a := range system.Actions {
		if a.ID == policy.AnyID {
			return nil
		}
		actions[a.ID] = a
	}

	for i := range policies {
		scopeAction, ok := actions[policies[i].ActionID]
		if !ok {
			return apperr.Scopef("action %s is not in the authorization scope of role %s", policies[i].ActionID, c.role.Name)
		}
		if !scopeCovers(scopeAction, &policies[i]) {
			return apperr.Scopef("the resources of action %s exceed the authorization scope of role %s", policies[i].ActionID, c.role.Name)
		}
	}
	return nil
}

// CheckSubjects fails with a scope violation unless every subject is
// within the role's subject scope: an explicit match, a department on
// the subject's ancestor chain, or the all-subjects sentinel.
func (c *ScopeChecker) CheckSubjects(ctx context.Context, subjects []policy.Subject) error {
	if c.role.Type == TypeSuper {
		return nil
	}

	users := make(map[string]struct{})
	departments := make(map[string]struct{})
	for _, s := range c.subjects {
		switch s.Type {
		case policy.SubjectTypeAll:
			return nil
		case policy.SubjectTypeUser:
			users[s.ID] = struct{}{}
		case policy.SubjectTypeDepartment:
			departments[s.ID] = struct{}{}
		}
	}

	for _, sub := range subjects {
		covered, err := c.subjectCovered(ctx, sub, users, departments)
		if err != nil {
			return err
		}
		if !covered {
			return apperr.Scopef("subject %s/%s is not in the subject scope of role %s", sub.Type, sub.ID, c.role.Name)
		}
	}
	return nil
}

func (c *ScopeChecker) subjectCovered(ctx context.Context, sub policy.Subject, users, departments map[string]struct{}) (bool, error) {
	switch sub.Type {
	case policy.SubjectTypeUser:
		if _, ok := users[sub.ID]; ok {
			return true, nil
		}
		chain, err := c.org.UserDepartmentChain(ctx, sub.ID)
		if err != nil {
			return false, err
		}
		return anyInSet(chain, departments), nil
	case policy.SubjectTypeDepartment:
		if _, ok := departments[sub.ID]; ok {
			return true, nil
		}
		dept, err := c.org.GetDepartment(ctx, sub.ID)
		if err != nil {
			if errors.Is(err, org.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return anyInSet(dept.Ancestors, departments), nil
	default:
		return false, nil
	}
}

func anyInSet(ids []string, set map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// scopeCovers reports whether every related resource type of the policy
// stays within the scope action's bounds. A scope action with no
// related resource types covers any resource set.
func scopeCovers(scopeAction AuthScopeAction, p *policy.Policy) bool {
	if len(scopeAction.RelatedResourceTypes) == 0 {
		return true
	}

	type typeKey struct {
		systemID     string
		resourceType string
	}
	bounds := make(map[typeKey][]policy.Condition, len(scopeAction.RelatedResourceTypes))
	for _, rrt := range scopeAction.RelatedResourceTypes {
		bounds[typeKey{rrt.SystemID, rrt.Type}] = rrt.Condition
	}

	for _, rrt := range p.RelatedResourceTypes {
		scopeConditions, ok := bounds[typeKey{rrt.SystemID, rrt.Type}]
		if !ok {
			return false
		}
		if !conditionsCovered(scopeConditions, rrt.Condition) {
			return false
		}
	}
	return true
}

// conditionsCovered reports whether the requested conditions are a
// subset of the scope's. An unrestricted scope covers everything; an
// unrestricted request is only covered by an unrestricted scope. The
// concrete case subtracts the scope from the request and requires that
// nothing remains.
func conditionsCovered(scope, request []policy.Condition) bool {
	scopeList := policy.NewConditionList(scope)
	if scopeList.Any {
		return true
	}
	requestList := policy.NewConditionList(request)
	if requestList.Any {
		return false
	}
	requestList.Sub(scopeList)
	return requestList.Empty
}
