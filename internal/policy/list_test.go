package policy

import (
	"testing"

	"github.com/dhawalhost/permseal/internal/apperr"
)

func TestPolicyListGet(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	if l.Get("edit") == nil {
		t.Fatalf("expected to find the edit policy")
	}
	if l.Get("missing") != nil {
		t.Fatalf("expected nil for an unknown action")
	}
}

func TestSplitForGrantCreatesNewAction(t *testing.T) {
	old := NewPolicyList("demo", nil)
	creates, updates := old.SplitForGrant(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	}))
	if len(creates.Policies) != 1 || len(updates.Policies) != 0 {
		t.Fatalf("expected 1 create and 0 updates, got %d/%d", len(creates.Policies), len(updates.Policies))
	}
	if creates.Policies[0].ActionID != "edit" {
		t.Fatalf("unexpected created action %s", creates.Policies[0].ActionID)
	}
}

func TestSplitForGrantMergesExistingAction(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	creates, updates := old.SplitForGrant(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 500, instCondition("", "host", "h2")),
	}))
	if len(creates.Policies) != 0 || len(updates.Policies) != 1 {
		t.Fatalf("expected 0 creates and 1 update, got %d/%d", len(creates.Policies), len(updates.Policies))
	}
	updated := updates.Policies[0]
	if got := pathIDs(t, updated.RelatedResourceTypes[0].Condition[0], "host"); len(got) != 2 {
		t.Fatalf("expected merged instances, got %v", got)
	}
	if updated.ExpiredAt != 1000 {
		t.Fatalf("a shorter incoming expiration must not shrink the policy, got %d", updated.ExpiredAt)
	}
}

func TestSplitForGrantGrowsExpiration(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	_, updates := old.SplitForGrant(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 2000, instCondition("", "host", "h2")),
	}))
	if updates.Policies[0].ExpiredAt != 2000 {
		t.Fatalf("expected expiration to grow to 2000, got %d", updates.Policies[0].ExpiredAt)
	}
	// The old list is the working state for follow-up splits and must
	// see the same change.
	if old.Get("edit").ExpiredAt != 2000 {
		t.Fatalf("expected the matched old policy to be updated in place")
	}
}

func TestSplitForGrantContainedGrant(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1", "h2")),
	})

	// Contained with a longer expiration renews only.
	creates, updates := old.SplitForGrant(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 2000, instCondition("", "host", "h2")),
	}))
	if len(creates.Policies) != 0 || len(updates.Policies) != 1 {
		t.Fatalf("expected a renewal update, got %d/%d", len(creates.Policies), len(updates.Policies))
	}
	if got := pathIDs(t, updates.Policies[0].RelatedResourceTypes[0].Condition[0], "host"); len(got) != 2 {
		t.Fatalf("a contained grant must not change the conditions, got %v", got)
	}

	// Contained with a shorter expiration is a no-op.
	creates, updates = old.SplitForGrant(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 500, instCondition("", "host", "h1")),
	}))
	if len(creates.Policies) != 0 || len(updates.Policies) != 0 {
		t.Fatalf("expected a no-op split, got %d/%d", len(creates.Policies), len(updates.Policies))
	}
}

func TestSplitForRevokeDeletesWholePolicy(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	updates, removals := old.SplitForRevoke(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 0, instCondition("", "host", "h1")),
	}))
	if len(updates.Policies) != 0 || len(removals.Policies) != 1 {
		t.Fatalf("expected a whole delete, got %d updates and %d deletes", len(updates.Policies), len(removals.Policies))
	}
}

func TestSplitForRevokeDeletesUnrelatedPolicy(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		{ActionID: "ping", ExpiredAt: 1000},
	})
	updates, removals := old.SplitForRevoke(NewPolicyList("demo", []Policy{
		{ActionID: "ping"},
	}))
	if len(updates.Policies) != 0 || len(removals.Policies) != 1 {
		t.Fatalf("an action without resource types is always deleted whole")
	}
}

func TestSplitForRevokeTrims(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1", "h2")),
	})
	updates, removals := old.SplitForRevoke(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 0, instCondition("", "host", "h2")),
	}))
	if len(updates.Policies) != 1 || len(removals.Policies) != 0 {
		t.Fatalf("expected a trim update, got %d updates and %d deletes", len(updates.Policies), len(removals.Policies))
	}
	if got := pathIDs(t, updates.Policies[0].RelatedResourceTypes[0].Condition[0], "host"); len(got) != 1 || got[0] != "h1" {
		t.Fatalf("expected only h1 to remain, got %v", got)
	}
}

func TestSplitForRevokeSkipsUnknownAction(t *testing.T) {
	old := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	updates, removals := old.SplitForRevoke(NewPolicyList("demo", []Policy{
		hostPolicy("view", 0, instCondition("", "host", "h1")),
	}))
	if len(updates.Policies) != 0 || len(removals.Policies) != 0 {
		t.Fatalf("revoking an action the subject does not have must be a no-op")
	}
}

func TestPolicyListSub(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1", "h2")),
		{ActionID: "view", ExpiredAt: 1000},
	})
	remainder := l.Sub(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 0, instCondition("", "host", "h1", "h2")),
	}))
	if len(remainder.Policies) != 1 || remainder.Policies[0].ActionID != "view" {
		t.Fatalf("expected only the view policy to remain, got %+v", remainder.Policies)
	}
	// The receiver stays intact.
	if got := pathIDs(t, l.Get("edit").RelatedResourceTypes[0].Condition[0], "host"); len(got) != 2 {
		t.Fatalf("sub must not mutate the receiver, got %v", got)
	}
}

func TestPolicyListAdd(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	l.Add(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 0, instCondition("", "host", "h2")),
		hostPolicy("view", 0, instCondition("c2", "host", "h9")),
	}))
	if len(l.Policies) != 2 {
		t.Fatalf("expected the view policy to be appended, got %d policies", len(l.Policies))
	}
	if got := pathIDs(t, l.Get("edit").RelatedResourceTypes[0].Condition[0], "host"); len(got) != 2 {
		t.Fatalf("expected edit instances to be unioned, got %v", got)
	}
}

func TestCheckAddOnly(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1")),
	})
	if err := l.CheckAddOnly(NewPolicyList("demo", []Policy{
		hostPolicy("view", 0, instCondition("", "host", "h1")),
	})); err != nil {
		t.Fatalf("a brand new action must pass: %v", err)
	}
	err := l.CheckAddOnly(NewPolicyList("demo", []Policy{
		hostPolicy("edit", 0, instCondition("", "host", "h2")),
	}))
	if !apperr.IsConflict(err) {
		t.Fatalf("expected a conflict for an already granted action, got %v", err)
	}
}

func TestCheckInstanceLimit(t *testing.T) {
	l := NewPolicyList("demo", []Policy{
		hostPolicy("edit", 1000, instCondition("c1", "host", "h1", "h2", "h3")),
	})
	if err := l.CheckInstanceLimit(3); err != nil {
		t.Fatalf("three instances within a limit of three must pass: %v", err)
	}
	if err := l.CheckInstanceLimit(2); err == nil {
		t.Fatalf("expected the instance limit to reject three instances over a limit of two")
	}
	if err := l.CheckInstanceLimit(0); err != nil {
		t.Fatalf("a non-positive limit disables the check: %v", err)
	}
}
