package policy

import (
	"context"
	"strings"

	"github.com/dhawalhost/permseal/internal/apperr"
)

// NameResolver resolves the canonical names of resource instances from
// their providers. The result maps NameKey(system, type, id) to the
// canonical name; nodes the provider cannot resolve are simply absent.
type NameResolver interface {
	ResolveNames(ctx context.Context, nodes []PathNode) (map[string]string, error)
}

// NameKey is the lookup key ResolveNames uses for one resource instance.
func NameKey(systemID, resourceType, id string) string {
	return systemID + ":" + resourceType + ":" + id
}

// CheckResourceName verifies that the names carried on the list's
// instance paths match the canonical names the providers report. It
// guards against stale or hand-edited display names in submitted
// grants, so it must only ever run on the diffed added-only set: old
// policies may legitimately reference since-renamed or deleted
// resources. Nodes the provider cannot resolve pass; only a confirmed
// mismatch fails.
func (l *PolicyList) CheckResourceName(ctx context.Context, resolver NameResolver) error {
	nodes := l.PathNodes()
	if len(nodes) == 0 {
		return nil
	}

	names, err := resolver.ResolveNames(ctx, nodes)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		real, ok := names[NameKey(node.SystemID, node.Type, node.ID)]
		if !ok || real == "" {
			continue
		}
		// an any node passes as long as its display name embeds the
		// real type/scope name
		if node.ID == AnyID && strings.Contains(node.Name, real) {
			continue
		}
		if real != node.Name {
			return apperr.Validationf(
				"resource(system_id:%s, type:%s, id:%s, name:%s, real_name:%s) name not match",
				node.SystemID, node.Type, node.ID, node.Name, real,
			)
		}
	}
	return nil
}
