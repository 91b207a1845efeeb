package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/dhawalhost/permseal/internal/apperr"
)

type fakeResolver struct {
	names map[string]string
	err   error

	resolved []PathNode
}

func (f *fakeResolver) ResolveNames(ctx context.Context, nodes []PathNode) (map[string]string, error) {
	f.resolved = append(f.resolved, nodes...)
	if f.err != nil {
		return nil, f.err
	}
	return f.names, nil
}

func TestCheckResourceNameMatches(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	resolver := &fakeResolver{names: map[string]string{
		NameKey("demo", "host", "h1"): "H1",
	}}
	if err := l.CheckResourceName(context.Background(), resolver); err != nil {
		t.Fatalf("matching names must pass: %v", err)
	}
}

func TestCheckResourceNameMismatch(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	resolver := &fakeResolver{names: map[string]string{
		NameKey("demo", "host", "h1"): "renamed-host",
	}}
	err := l.CheckResourceName(context.Background(), resolver)
	if err == nil || !apperr.IsValidation(err) {
		t.Fatalf("expected a validation error for a renamed resource, got %v", err)
	}
}

func TestCheckResourceNameToleratesUnresolved(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	if err := l.CheckResourceName(context.Background(), &fakeResolver{}); err != nil {
		t.Fatalf("an unresolvable instance must not fail the check: %v", err)
	}
}

func TestCheckResourceNameAnyNode(t *testing.T) {
	anyPath := []PathNode{
		{SystemID: "demo", Type: "cluster", ID: "k1", Name: "K1"},
		{SystemID: "demo", Type: "host", ID: AnyID, Name: "K1: unrestricted hosts"},
	}
	p := Policy{
		ActionID: "edit",
		RelatedResourceTypes: []RelatedResourceType{
			NewRelatedResourceType("demo", "host", []Condition{
				{ID: "c1", Instances: []Instance{{Type: "host", Path: [][]PathNode{anyPath}}}},
			}),
		},
	}
	l := NewPolicyList("demo", []Policy{p})
	resolver := &fakeResolver{names: map[string]string{
		NameKey("demo", "cluster", "k1"): "K1",
		NameKey("demo", "host", AnyID):   "unrestricted",
	}}
	if err := l.CheckResourceName(context.Background(), resolver); err != nil {
		t.Fatalf("an any node whose name embeds the resolved name must pass: %v", err)
	}

	resolver.names[NameKey("demo", "host", AnyID)] = "something else"
	if err := l.CheckResourceName(context.Background(), resolver); err == nil {
		t.Fatalf("an any node without the resolved name in its display must fail")
	}
}

func TestCheckResourceNamePropagatesResolverError(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	boom := errors.New("provider unreachable")
	if err := l.CheckResourceName(context.Background(), &fakeResolver{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected the resolver error to surface, got %v", err)
	}
}

func TestCheckResourceNameSkipsEmptyList(t *testing.T) {
	l := NewPolicyList("demo", nil)
	resolver := &fakeResolver{err: errors.New("must not be called")}
	if err := l.CheckResourceName(context.Background(), resolver); err != nil {
		t.Fatalf("a list without path nodes must pass without resolving: %v", err)
	}
	if len(resolver.resolved) != 0 {
		t.Fatalf("expected no resolver call for an empty list")
	}
}
