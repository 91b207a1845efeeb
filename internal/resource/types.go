package resource

import "context"

// Provider auth modes. Providers declare one of these in their system
// registration.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// providerAuthUser is the fixed basic-auth username providers expect
// from this service.
const providerAuthUser = "permseal"

// ProviderEndpoint describes how to reach the callback endpoint that
// serves one resource type.
type ProviderEndpoint struct {
	URL       string
	AuthType  string
	AuthToken string
}

// ProviderConfigSource looks up the callback endpoint registered for a
// resource type. The system registry implements it.
type ProviderConfigSource interface {
	ProviderEndpoint(ctx context.Context, systemID, resourceTypeID string) (ProviderEndpoint, error)
}

// NameCache caches resolved instance names. Cache failures never fail
// a lookup, they only cost a provider round trip.
type NameCache interface {
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	SetMany(ctx context.Context, entries map[string]string) error
}

// InstanceInfo is one resource instance with the attributes the
// provider returned for it.
type InstanceInfo struct {
	ID         string
	Attributes map[string]interface{}
}
