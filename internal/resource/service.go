package resource

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/permseal/internal/policy"
)

// nameAttribute is the provider attribute that carries an instance's
// canonical display name.
const nameAttribute = "display_name"

// fetchInstanceLimit is the provider-side batch limit for
// fetch_instance_info.
const fetchInstanceLimit = 1000

// resolveConcurrency bounds how many providers are queried in parallel
// while resolving names.
const resolveConcurrency = 4

// Service looks up resource instances through provider callbacks and
// resolves instance names for path validation. Resolved names are
// cached; the cache and the rate limiter are both optional.
type Service struct {
	configs    ProviderConfigSource
	cache      NameCache
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewService creates a resource service. cache and limiter may be nil.
func NewService(configs ProviderConfigSource, cache NameCache, limiter *rate.Limiter, logger *zap.Logger) *Service {
	return &Service{
		configs: configs,
		cache:   cache,
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (s *Service) client(ctx context.Context, systemID, resourceTypeID string) (*providerClient, error) {
	endpoint, err := s.configs.ProviderEndpoint(ctx, systemID, resourceTypeID)
	if err != nil {
		return nil, err
	}
	return &providerClient{
		systemID:       systemID,
		resourceTypeID: resourceTypeID,
		endpoint:       endpoint,
		httpClient:     s.httpClient,
	}, nil
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// FetchInstanceInfo queries the provider for the given instances,
// splitting the request into provider-sized batches.
func (s *Service) FetchInstanceInfo(ctx context.Context, systemID, resourceTypeID string, ids, attrs []string) ([]InstanceInfo, error) {
	client, err := s.client(ctx, systemID, resourceTypeID)
	if err != nil {
		return nil, err
	}

	infos := make([]InstanceInfo, 0, len(ids))
	for start := 0; start < len(ids); start += fetchInstanceLimit {
		end := start + fetchInstanceLimit
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		batch, err := client.fetchInstanceInfo(ctx, ids[start:end], attrs)
		if err != nil {
			return nil, err
		}
		infos = append(infos, batch...)
	}
	return infos, nil
}

// FetchInstanceNames resolves the display names of the given instances,
// serving from the cache first. Instances the provider does not know
// are absent from the result.
func (s *Service) FetchInstanceNames(ctx context.Context, systemID, resourceTypeID string, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	missing := ids

	if s.cache != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = nameCacheKey(systemID, resourceTypeID, id)
		}
		cached, err := s.cache.GetMany(ctx, keys)
		if err != nil {
			s.logger.Warn("Failed to read resource name cache",
				zap.String("system_id", systemID),
				zap.String("resource_type_id", resourceTypeID),
				zap.Error(err))
		} else {
			missing = make([]string, 0, len(ids))
			for _, id := range ids {
				if name, ok := cached[nameCacheKey(systemID, resourceTypeID, id)]; ok {
					names[id] = name
				} else {
					missing = append(missing, id)
				}
			}
		}
	}

	if len(missing) == 0 {
		return names, nil
	}

	infos, err := s.FetchInstanceInfo(ctx, systemID, resourceTypeID, missing, []string{nameAttribute})
	if err != nil {
		return nil, err
	}

	fetched := make(map[string]string, len(infos))
	for _, info := range infos {
		name, ok := info.Attributes[nameAttribute].(string)
		if !ok {
			continue
		}
		names[info.ID] = name
		fetched[nameCacheKey(systemID, resourceTypeID, info.ID)] = name
	}

	if s.cache != nil && len(fetched) > 0 {
		if err := s.cache.SetMany(ctx, fetched); err != nil {
			s.logger.Warn("Failed to cache resource names",
				zap.String("system_id", systemID),
				zap.String("resource_type_id", resourceTypeID),
				zap.Error(err))
		}
	}
	return names, nil
}

type resourceTypeKey struct {
	systemID       string
	resourceTypeID string
}

// ResolveNames resolves the canonical names of every concrete node,
// querying each (system, resource type) provider in parallel. A
// provider that fails only leaves its own nodes unresolved: name
// checking tolerates missing names, and a broken provider must not
// block changes to unrelated resources.
func (s *Service) ResolveNames(ctx context.Context, nodes []policy.PathNode) (map[string]string, error) {
	groups := make(map[resourceTypeKey][]string)
	for _, node := range nodes {
		if node.ID == policy.AnyID {
			continue
		}
		key := resourceTypeKey{systemID: node.SystemID, resourceTypeID: node.Type}
		if !containsString(groups[key], node.ID) {
			groups[key] = append(groups[key], node.ID)
		}
	}
	if len(groups) == 0 {
		return map[string]string{}, nil
	}

	var mu sync.Mutex
	names := make(map[string]string, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for key, ids := range groups {
		g.Go(func() error {
			found, err := s.FetchInstanceNames(gctx, key.systemID, key.resourceTypeID, ids)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("Failed to resolve resource names",
					zap.String("system_id", key.systemID),
					zap.String("resource_type_id", key.resourceTypeID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			for id, name := range found {
				names[policy.NameKey(key.systemID, key.resourceTypeID, id)] = name
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

func nameCacheKey(systemID, resourceTypeID, id string) string {
	return systemID + ":" + resourceTypeID + ":" + id
}
