package role

import (
	"time"

	"github.com/dhawalhost/permseal/internal/policy"
)

// Role types. Super roles bypass scope checking entirely; manager
// roles are bounded by their authorization and subject scopes.
const (
	TypeSuper   = "super"
	TypeManager = "manager"
)

// Scope kinds as stored.
const (
	scopeAuthorization = "authorization"
	scopeSubject       = "subject"
)

// Role is one delegated administrator role.
type Role struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Type        string    `db:"type" json:"type"`
	Creator     string    `db:"creator" json:"creator"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AuthScopeAction bounds one action the role may grant, together with
// the widest resource conditions it may grant the action on. The id
// may be the any sentinel, which allows every action of the system
// without resource bounds.
type AuthScopeAction struct {
	ID                   string                       `json:"id"`
	RelatedResourceTypes []policy.RelatedResourceType `json:"related_resource_types"`
}

// AuthScopeSystem is the role's authorization boundary within one
// system.
type AuthScopeSystem struct {
	SystemID string            `json:"system_id"`
	Actions  []AuthScopeAction `json:"actions"`
}
