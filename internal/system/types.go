package system

import (
	"encoding/json"
	"fmt"
	"time"
)

// System is one registered external system that delegates its
// permission model here. ProviderURL is the base address of its
// resource callback endpoint.
type System struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Description       string    `db:"description" json:"description"`
	ProviderURL       string    `db:"provider_url" json:"provider_url"`
	ProviderAuthType  string    `db:"provider_auth_type" json:"provider_auth_type"`
	ProviderAuthToken string    `db:"provider_auth_token" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ResourceType is one resource kind a system exposes. ProviderPath is
// appended to the system's provider URL when calling the provider for
// this type.
type ResourceType struct {
	SystemID     string    `db:"system_id" json:"system_id"`
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	ProviderPath string    `db:"provider_path" json:"provider_path"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// ResourceTypeRef points at a resource type, possibly of another
// system.
type ResourceTypeRef struct {
	SystemID string `json:"system_id"`
	ID       string `json:"id"`
}

// Action is one operation a system declares. Policies granting the
// action must carry exactly the declared related resource types.
type Action struct {
	SystemID             string            `json:"system_id"`
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	RelatedResourceTypes []ResourceTypeRef `json:"related_resource_types"`
	CreatedAt            time.Time         `json:"created_at"`
}

// RawAction is the stored form of an Action, with the declaration kept
// as JSON.
type RawAction struct {
	SystemID             string    `db:"system_id"`
	ID                   string    `db:"id"`
	Name                 string    `db:"name"`
	RelatedResourceTypes []byte    `db:"related_resource_types"`
	CreatedAt            time.Time `db:"created_at"`
}

// Parse decodes the stored declaration.
func (r RawAction) Parse() (Action, error) {
	action := Action{SystemID: r.SystemID, ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
	if len(r.RelatedResourceTypes) == 0 {
		return action, nil
	}
	if err := json.Unmarshal(r.RelatedResourceTypes, &action.RelatedResourceTypes); err != nil {
		return Action{}, fmt.Errorf("failed to parse related resource types of action %s/%s: %w", r.SystemID, r.ID, err)
	}
	return action, nil
}

func marshalRefs(refs []ResourceTypeRef) ([]byte, error) {
	if refs == nil {
		refs = []ResourceTypeRef{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode related resource types: %w", err)
	}
	return data, nil
}
