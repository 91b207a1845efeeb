package system

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/resource"
)

// Service manages the registry of systems, their resource types and
// their actions. The registry is the authority on what a policy may
// reference: actions must be declared, and a policy's related resource
// types must match the action's declaration exactly.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a registry service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateSystem registers a new system.
func (s *Service) CreateSystem(ctx context.Context, sys System) error {
	if _, err := s.store.GetSystem(ctx, sys.ID); err == nil {
		return apperr.Conflictf("system %s already exists", sys.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.store.CreateSystem(ctx, sys)
}

// GetSystem returns one registered system.
func (s *Service) GetSystem(ctx context.Context, id string) (System, error) {
	return s.store.GetSystem(ctx, id)
}

// ListSystems returns all registered systems.
func (s *Service) ListSystems(ctx context.Context) ([]System, error) {
	return s.store.ListSystems(ctx)
}

// CreateResourceType registers a resource type under an existing
// system.
func (s *Service) CreateResourceType(ctx context.Context, rt ResourceType) error {
	if _, err := s.store.GetSystem(ctx, rt.SystemID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Validationf("system %s is not registered", rt.SystemID)
		}
		return err
	}
	if _, err := s.store.GetResourceType(ctx, rt.SystemID, rt.ID); err == nil {
		return apperr.Conflictf("resource type %s already exists in system %s", rt.ID, rt.SystemID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.store.CreateResourceType(ctx, rt)
}

// ListResourceTypes returns the resource types of one system.
func (s *Service) ListResourceTypes(ctx context.Context, systemID string) ([]ResourceType, error) {
	return s.store.ListResourceTypes(ctx, systemID)
}

// CreateAction declares an action under an existing system. Every
// related resource type it references must itself be registered.
func (s *Service) CreateAction(ctx context.Context, action Action) error {
	if _, err := s.store.GetSystem(ctx, action.SystemID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Validationf("system %s is not registered", action.SystemID)
		}
		return err
	}
	if _, err := s.store.GetAction(ctx, action.SystemID, action.ID); err == nil {
		return apperr.Conflictf("action %s already exists in system %s", action.ID, action.SystemID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	for _, ref := range action.RelatedResourceTypes {
		if _, err := s.store.GetResourceType(ctx, ref.SystemID, ref.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperr.Validationf("related resource type %s/%s is not registered", ref.SystemID, ref.ID)
			}
			return err
		}
	}
	return s.store.CreateAction(ctx, action)
}

// GetAction returns one declared action.
func (s *Service) GetAction(ctx context.Context, systemID, id string) (Action, error) {
	return s.store.GetAction(ctx, systemID, id)
}

// ListActions returns the actions of one system.
func (s *Service) ListActions(ctx context.Context, systemID string) ([]Action, error) {
	return s.store.ListActions(ctx, systemID)
}

// ProviderEndpoint returns the callback endpoint for one resource
// type, joining the system's provider base URL with the type's path.
func (s *Service) ProviderEndpoint(ctx context.Context, systemID, resourceTypeID string) (resource.ProviderEndpoint, error) {
	sys, err := s.store.GetSystem(ctx, systemID)
	if err != nil {
		return resource.ProviderEndpoint{}, err
	}
	rt, err := s.store.GetResourceType(ctx, systemID, resourceTypeID)
	if err != nil {
		return resource.ProviderEndpoint{}, err
	}
	return resource.ProviderEndpoint{
		URL:       strings.TrimRight(sys.ProviderURL, "/") + rt.ProviderPath,
		AuthType:  sys.ProviderAuthType,
		AuthToken: sys.ProviderAuthToken,
	}, nil
}

// ValidatePolicies checks that every policy grants a declared action
// and carries exactly the action's declared related resource types.
func (s *Service) ValidatePolicies(ctx context.Context, systemID string, policies []policy.Policy) error {
	actions, err := s.store.ListActions(ctx, systemID)
	if err != nil {
		return err
	}
	declared := make(map[string]Action, len(actions))
	for _, action := range actions {
		declared[action.ID] = action
	}

	for _, p := range policies {
		action, ok := declared[p.ActionID]
		if !ok {
			return apperr.Validationf("action %s is not registered in system %s", p.ActionID, systemID)
		}
		if err := matchDeclaration(systemID, action, p); err != nil {
			return err
		}
	}
	return nil
}

func matchDeclaration(systemID string, action Action, p policy.Policy) error {
	want := make(map[ResourceTypeRef]bool, len(action.RelatedResourceTypes))
	for _, ref := range action.RelatedResourceTypes {
		want[ref] = true
	}

	got := make(map[ResourceTypeRef]bool, len(p.RelatedResourceTypes))
	for _, rrt := range p.RelatedResourceTypes {
		got[ResourceTypeRef{SystemID: rrt.SystemID, ID: rrt.Type}] = true
	}

	if len(want) != len(got) {
		return apperr.Validationf(
			"policy for action %s/%s must reference exactly the declared resource types (%d declared, %d given)",
			systemID, action.ID, len(want), len(got))
	}
	for ref := range got {
		if !want[ref] {
			return apperr.Validationf(
				"policy for action %s/%s references undeclared resource type %s/%s",
				systemID, action.ID, ref.SystemID, ref.ID)
		}
	}
	return nil
}
