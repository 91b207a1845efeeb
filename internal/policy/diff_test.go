package policy

import (
	"strings"
	"testing"
)

func node(resourceType, id string) PathNode {
	return PathNode{SystemID: "demo", Type: resourceType, ID: id, Name: strings.ToUpper(id)}
}

func instanceOf(resourceType string, ids ...string) Instance {
	in := Instance{Type: resourceType, Name: resourceType}
	for _, id := range ids {
		in.Path = append(in.Path, []PathNode{node(resourceType, id)})
	}
	return in
}

func instCondition(id, resourceType string, ids ...string) Condition {
	return Condition{ID: id, Instances: []Instance{instanceOf(resourceType, ids...)}}
}

func attrCondition(id, key string, values ...string) Condition {
	attr := Attribute{ID: key}
	for _, v := range values {
		attr.Values = append(attr.Values, Value{ID: v})
	}
	return Condition{ID: id, Attributes: []Attribute{attr}}
}

func hostPolicy(actionID string, expiredAt int64, conditions ...Condition) Policy {
	return Policy{
		ActionID: actionID,
		RelatedResourceTypes: []RelatedResourceType{
			NewRelatedResourceType("demo", "host", conditions),
		},
		ExpiredAt: expiredAt,
	}
}

func pathIDs(t *testing.T, c Condition, resourceType string) []string {
	t.Helper()
	var ids []string
	for _, in := range c.Instances {
		if in.Type != resourceType {
			continue
		}
		for _, path := range in.Path {
			ids = append(ids, path[len(path)-1].ID)
		}
	}
	return ids
}

func TestNewConditionListDeduplicatesAttributes(t *testing.T) {
	cl := NewConditionList([]Condition{
		attrCondition("c1", "os", "linux", "windows"),
		attrCondition("c2", "os", "windows", "linux"),
	})
	if len(cl.Conditions) != 1 {
		t.Fatalf("expected 1 condition after merge, got %d", len(cl.Conditions))
	}
	if cl.Conditions[0].ID != "c2" {
		t.Fatalf("expected the later duplicate to win, got %s", cl.Conditions[0].ID)
	}
}

func TestNewConditionListMergesInstanceConditions(t *testing.T) {
	// The id-bearing condition must become the merge base even when it
	// arrives after an id-less one.
	cl := NewConditionList([]Condition{
		instCondition("", "host", "h1"),
		instCondition("c9", "host", "h2"),
	})
	if len(cl.Conditions) != 1 {
		t.Fatalf("expected 1 condition after merge, got %d", len(cl.Conditions))
	}
	merged := cl.Conditions[0]
	if merged.ID != "c9" {
		t.Fatalf("expected id-bearing condition as base, got %q", merged.ID)
	}
	ids := pathIDs(t, merged, "host")
	if len(ids) != 2 {
		t.Fatalf("expected both instances after merge, got %v", ids)
	}
}

func TestNewConditionListEmptyMeansAny(t *testing.T) {
	cl := NewConditionList(nil)
	if !cl.Any || cl.Empty {
		t.Fatalf("expected any state, got any=%v empty=%v", cl.Any, cl.Empty)
	}
}

func TestConditionListAddUnionsInstances(t *testing.T) {
	cl := NewConditionList([]Condition{instCondition("c1", "host", "h1", "h2")})
	cl.Add(NewConditionList([]Condition{instCondition("", "host", "h2", "h3")}))

	if len(cl.Conditions) != 1 {
		t.Fatalf("expected 1 merged condition, got %d", len(cl.Conditions))
	}
	ids := pathIDs(t, cl.Conditions[0], "host")
	if len(ids) != 3 {
		t.Fatalf("expected h1,h2,h3 after union, got %v", ids)
	}
}

func TestConditionListAddKeepsDistinctAttributeGroups(t *testing.T) {
	cl := NewConditionList([]Condition{attrCondition("c1", "os", "linux")})
	cl.Add(NewConditionList([]Condition{
		attrCondition("c2", "os", "linux"),
		attrCondition("c3", "env", "prod"),
	}))
	if len(cl.Conditions) != 2 {
		t.Fatalf("expected duplicate attribute dropped and new one kept, got %d conditions", len(cl.Conditions))
	}
}

func TestConditionListAddAnyRules(t *testing.T) {
	anyList := NewConditionList(nil)
	anyList.Add(NewConditionList([]Condition{instCondition("c1", "host", "h1")}))
	if !anyList.Any || len(anyList.Conditions) != 0 {
		t.Fatalf("any list must absorb concrete additions")
	}

	concrete := NewConditionList([]Condition{instCondition("c1", "host", "h1")})
	concrete.Add(NewConditionList(nil))
	if !concrete.Any || len(concrete.Conditions) != 0 {
		t.Fatalf("adding any must widen the list to any")
	}
}

func TestConditionListSubRemovesInstances(t *testing.T) {
	cl := NewConditionList([]Condition{instCondition("c1", "host", "h1", "h2")})
	cl.Sub(NewConditionList([]Condition{instCondition("", "host", "h2")}))

	if cl.Empty {
		t.Fatalf("partial removal must not empty the list")
	}
	ids := pathIDs(t, cl.Conditions[0], "host")
	if len(ids) != 1 || ids[0] != "h1" {
		t.Fatalf("expected only h1 to remain, got %v", ids)
	}

	cl.Sub(NewConditionList([]Condition{instCondition("", "host", "h1")}))
	if !cl.Empty || cl.Any {
		t.Fatalf("removing the last instance must empty the list, got any=%v empty=%v", cl.Any, cl.Empty)
	}
}

func TestConditionListSubAnyRules(t *testing.T) {
	anyMinusAny := NewConditionList(nil)
	anyMinusAny.Sub(NewConditionList(nil))
	if !anyMinusAny.Empty || anyMinusAny.Any {
		t.Fatalf("any minus any must become emptied")
	}

	anyMinusConcrete := NewConditionList(nil)
	anyMinusConcrete.Sub(NewConditionList([]Condition{instCondition("c1", "host", "h1")}))
	if !anyMinusConcrete.Any || anyMinusConcrete.Empty {
		t.Fatalf("any minus concrete must stay any")
	}

	concreteMinusAny := NewConditionList([]Condition{instCondition("c1", "host", "h1")})
	concreteMinusAny.Sub(NewConditionList(nil))
	if concreteMinusAny.Empty || len(concreteMinusAny.Conditions) != 1 {
		t.Fatalf("concrete minus any must keep its conditions")
	}
}

func TestConditionListSubRemovesAttributeByFingerprint(t *testing.T) {
	cl := NewConditionList([]Condition{
		attrCondition("c1", "os", "linux"),
		attrCondition("c2", "env", "prod"),
	})
	cl.Sub(NewConditionList([]Condition{attrCondition("", "os", "linux")}))
	if len(cl.Conditions) != 1 || cl.Conditions[0].ID != "c2" {
		t.Fatalf("expected only the env condition to remain, got %+v", cl.Conditions)
	}
}

func TestConditionListRemoveByIDs(t *testing.T) {
	cl := NewConditionList([]Condition{
		instCondition("c1", "host", "h1"),
		attrCondition("c2", "os", "linux"),
	})
	cl.RemoveByIDs([]string{"c1"})
	if len(cl.Conditions) != 1 || cl.Conditions[0].ID != "c2" {
		t.Fatalf("expected c1 removed, got %+v", cl.Conditions)
	}
}

func TestPolicyContainsRelatedResourceTypes(t *testing.T) {
	p := hostPolicy("edit", PermanentExpiredAt, instCondition("c1", "host", "h1", "h2"))

	sub := hostPolicy("edit", PermanentExpiredAt, instCondition("", "host", "h2"))
	if !p.ContainsRelatedResourceTypes(sub.RelatedResourceTypes) {
		t.Fatalf("expected policy to contain a subset of its instances")
	}

	outside := hostPolicy("edit", PermanentExpiredAt, instCondition("", "host", "h3"))
	if p.ContainsRelatedResourceTypes(outside.RelatedResourceTypes) {
		t.Fatalf("expected policy not to contain a foreign instance")
	}
}

func TestUnrelatedPolicyContainsEverything(t *testing.T) {
	p := Policy{ActionID: "ping", ExpiredAt: PermanentExpiredAt}
	other := hostPolicy("ping", PermanentExpiredAt, instCondition("c1", "host", "h1"))
	if !p.ContainsRelatedResourceTypes(other.RelatedResourceTypes) {
		t.Fatalf("an unrelated policy must contain everything for its action")
	}
}

func TestPolicyRemoveRelatedResourceTypes(t *testing.T) {
	p := hostPolicy("edit", PermanentExpiredAt, instCondition("c1", "host", "h1", "h2"))

	emptied := p.RemoveRelatedResourceTypes(
		hostPolicy("edit", 0, instCondition("", "host", "h2")).RelatedResourceTypes,
	)
	if emptied {
		t.Fatalf("partial removal must not report emptied")
	}
	ids := pathIDs(t, p.RelatedResourceTypes[0].Condition[0], "host")
	if len(ids) != 1 || ids[0] != "h1" {
		t.Fatalf("expected only h1 to remain, got %v", ids)
	}

	emptied = p.RemoveRelatedResourceTypes(
		hostPolicy("edit", 0, instCondition("", "host", "h1")).RelatedResourceTypes,
	)
	if !emptied {
		t.Fatalf("removing the last instance must report emptied")
	}
	// The policy itself must be left intact so the caller can still
	// inspect what is being deleted.
	if got := pathIDs(t, p.RelatedResourceTypes[0].Condition[0], "host"); len(got) != 1 {
		t.Fatalf("emptied removal must leave the policy unchanged, got %v", got)
	}
}

func TestPolicyRemoveKeepsUntouchedType(t *testing.T) {
	p := Policy{
		ActionID: "deploy",
		RelatedResourceTypes: []RelatedResourceType{
			NewRelatedResourceType("demo", "host", []Condition{instCondition("c1", "host", "h1")}),
			NewRelatedResourceType("demo", "cluster", []Condition{instCondition("c2", "cluster", "k1")}),
		},
		ExpiredAt: PermanentExpiredAt,
	}

	emptied := p.RemoveRelatedResourceTypes([]RelatedResourceType{
		NewRelatedResourceType("demo", "host", []Condition{instCondition("", "host", "h1")}),
	})
	if emptied {
		t.Fatalf("a policy with an untouched resource type is not emptied")
	}
	// The fully covered type keeps its original conditions rather than
	// being persisted empty, which would widen it to unrestricted.
	host := p.GetRelatedResourceType("demo", "host")
	if host == nil || len(host.Condition) != 1 {
		t.Fatalf("expected host type to keep its original conditions")
	}
}

func TestPolicyAddRelatedResourceTypes(t *testing.T) {
	p := hostPolicy("edit", PermanentExpiredAt, instCondition("c1", "host", "h1"))
	p.AddRelatedResourceTypes(
		hostPolicy("edit", 0, instCondition("", "host", "h2")).RelatedResourceTypes,
	)
	ids := pathIDs(t, p.RelatedResourceTypes[0].Condition[0], "host")
	if len(ids) != 2 {
		t.Fatalf("expected h1 and h2 after add, got %v", ids)
	}
}
