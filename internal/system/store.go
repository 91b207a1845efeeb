package system

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a system, resource type or action does
// not exist.
var ErrNotFound = errors.New("system registry entry not found")

// Store persists the system registry.
type Store interface {
	CreateSystem(ctx context.Context, sys System) error
	GetSystem(ctx context.Context, id string) (System, error)
	ListSystems(ctx context.Context) ([]System, error)

	CreateResourceType(ctx context.Context, rt ResourceType) error
	GetResourceType(ctx context.Context, systemID, id string) (ResourceType, error)
	ListResourceTypes(ctx context.Context, systemID string) ([]ResourceType, error)

	CreateAction(ctx context.Context, action Action) error
	GetAction(ctx context.Context, systemID, id string) (Action, error)
	ListActions(ctx context.Context, systemID string) ([]Action, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a registry store backed by Postgres.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) CreateSystem(ctx context.Context, sys System) error {
	query := `
		INSERT INTO systems (id, name, description, provider_url, provider_auth_type, provider_auth_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`
	_, err := s.db.ExecContext(ctx, query,
		sys.ID, sys.Name, sys.Description, sys.ProviderURL, sys.ProviderAuthType, sys.ProviderAuthToken)
	if err != nil {
		return fmt.Errorf("failed to create system %s: %w", sys.ID, err)
	}
	return nil
}

func (s *sqlStore) GetSystem(ctx context.Context, id string) (System, error) {
	var sys System
	query := `
		SELECT id, name, description, provider_url, provider_auth_type, provider_auth_token, created_at, updated_at
		FROM systems WHERE id = $1`
	if err := s.db.GetContext(ctx, &sys, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return System{}, ErrNotFound
		}
		return System{}, fmt.Errorf("failed to get system %s: %w", id, err)
	}
	return sys, nil
}

func (s *sqlStore) ListSystems(ctx context.Context) ([]System, error) {
	var systems []System
	query := `
		SELECT id, name, description, provider_url, provider_auth_type, provider_auth_token, created_at, updated_at
		FROM systems ORDER BY id`
	if err := s.db.SelectContext(ctx, &systems, query); err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	return systems, nil
}

func (s *sqlStore) CreateResourceType(ctx context.Context, rt ResourceType) error {
	query := `
		INSERT INTO resource_types (system_id, id, name, provider_path, created_at)
		VALUES ($1, $2, $3, $4, NOW())`
	_, err := s.db.ExecContext(ctx, query, rt.SystemID, rt.ID, rt.Name, rt.ProviderPath)
	if err != nil {
		return fmt.Errorf("failed to create resource type %s/%s: %w", rt.SystemID, rt.ID, err)
	}
	return nil
}

func (s *sqlStore) GetResourceType(ctx context.Context, systemID, id string) (ResourceType, error) {
	var rt ResourceType
	query := `
		SELECT system_id, id, name, provider_path, created_at
		FROM resource_types WHERE system_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &rt, query, systemID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResourceType{}, ErrNotFound
		}
		return ResourceType{}, fmt.Errorf("failed to get resource type %s/%s: %w", systemID, id, err)
	}
	return rt, nil
}

func (s *sqlStore) ListResourceTypes(ctx context.Context, systemID string) ([]ResourceType, error) {
	var types []ResourceType
	query := `
		SELECT system_id, id, name, provider_path, created_at
		FROM resource_types WHERE system_id = $1 ORDER BY id`
	if err := s.db.SelectContext(ctx, &types, query, systemID); err != nil {
		return nil, fmt.Errorf("failed to list resource types of %s: %w", systemID, err)
	}
	return types, nil
}

func (s *sqlStore) CreateAction(ctx context.Context, action Action) error {
	refs, err := marshalRefs(action.RelatedResourceTypes)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO actions (system_id, id, name, related_resource_types, created_at)
		VALUES ($1, $2, $3, $4, NOW())`
	if _, err := s.db.ExecContext(ctx, query, action.SystemID, action.ID, action.Name, refs); err != nil {
		return fmt.Errorf("failed to create action %s/%s: %w", action.SystemID, action.ID, err)
	}
	return nil
}

func (s *sqlStore) GetAction(ctx context.Context, systemID, id string) (Action, error) {
	var raw RawAction
	query := `
		SELECT system_id, id, name, related_resource_types, created_at
		FROM actions WHERE system_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &raw, query, systemID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, ErrNotFound
		}
		return Action{}, fmt.Errorf("failed to get action %s/%s: %w", systemID, id, err)
	}
	return raw.Parse()
}

func (s *sqlStore) ListActions(ctx context.Context, systemID string) ([]Action, error) {
	var raws []RawAction
	query := `
		SELECT system_id, id, name, related_resource_types, created_at
		FROM actions WHERE system_id = $1 ORDER BY id`
	if err := s.db.SelectContext(ctx, &raws, query, systemID); err != nil {
		return nil, fmt.Errorf("failed to list actions of %s: %w", systemID, err)
	}
	actions := make([]Action, 0, len(raws))
	for _, raw := range raws {
		action, err := raw.Parse()
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}
