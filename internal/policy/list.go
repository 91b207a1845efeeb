package policy

import (
	"github.com/dhawalhost/permseal/internal/apperr"
)

// PolicyList is the collection type for one (system, subject)'s
// policies. It indexes by action id at construction and carries the
// set operations used to turn desired state into deltas.
type PolicyList struct {
	SystemID string
	Policies []Policy

	byAction map[string]int
}

// NewPolicyList wraps policies for one system. Duplicate-attribute
// conditions inside each policy are merged on the way in.
func NewPolicyList(systemID string, policies []Policy) *PolicyList {
	l := &PolicyList{
		SystemID: systemID,
		Policies: policies,
		byAction: make(map[string]int, len(policies)),
	}
	for i := range policies {
		policies[i].normalize()
		l.byAction[policies[i].ActionID] = i
	}
	return l
}

// Get returns the policy for the action, or nil.
func (l *PolicyList) Get(actionID string) *Policy {
	i, ok := l.byAction[actionID]
	if !ok {
		return nil
	}
	return &l.Policies[i]
}

// ActionIDs returns the action ids in list order.
func (l *PolicyList) ActionIDs() []string {
	ids := make([]string, 0, len(l.Policies))
	for i := range l.Policies {
		ids = append(ids, l.Policies[i].ActionID)
	}
	return ids
}

func (l *PolicyList) append(p Policy) {
	l.Policies = append(l.Policies, p)
	l.byAction[p.ActionID] = len(l.Policies) - 1
}

// Add merges other into the list: new actions are appended, matching
// actions have their resource conditions unioned.
func (l *PolicyList) Add(other *PolicyList) {
	for i := range other.Policies {
		p := &other.Policies[i]
		old := l.Get(p.ActionID)
		if old == nil {
			l.append(p.Clone())
			continue
		}
		old.AddRelatedResourceTypes(p.RelatedResourceTypes)
	}
}

// Sub returns the remainder of the list after removing everything that
// also appears in other. A policy with no matching action in other is
// kept whole; a policy whose conditions are entirely covered by other
// is dropped. The receiver is left untouched.
func (l *PolicyList) Sub(other *PolicyList) *PolicyList {
	var remainder []Policy
	for i := range l.Policies {
		p := &l.Policies[i]
		o := other.Get(p.ActionID)
		if o == nil {
			remainder = append(remainder, p.Clone())
			continue
		}
		clone := p.Clone()
		if emptied := clone.RemoveRelatedResourceTypes(o.RelatedResourceTypes); !emptied {
			remainder = append(remainder, clone)
		}
	}
	return NewPolicyList(l.SystemID, remainder)
}

// SplitForGrant splits an incoming grant against the existing policies
// in the list. Actions with no existing policy become creations.
// Actions whose existing policy already contains the incoming
// conditions become updates only when the expiration grows. Everything
// else is merged into the existing policy and updated. Matched existing
// policies are mutated in place.
func (l *PolicyList) SplitForGrant(incoming *PolicyList) (creates, updates *PolicyList) {
	var createPolicies, updatePolicies []Policy
	for i := range incoming.Policies {
		p := &incoming.Policies[i]
		old := l.Get(p.ActionID)
		if old == nil {
			createPolicies = append(createPolicies, p.Clone())
			continue
		}

		if old.ContainsRelatedResourceTypes(p.RelatedResourceTypes) {
			if p.ExpiredAt > old.ExpiredAt {
				old.SetExpiredAt(p.ExpiredAt)
				updatePolicies = append(updatePolicies, old.Clone())
			}
			continue
		}

		old.AddRelatedResourceTypes(p.RelatedResourceTypes)
		if p.ExpiredAt > old.ExpiredAt {
			old.SetExpiredAt(p.ExpiredAt)
		}
		updatePolicies = append(updatePolicies, old.Clone())
	}
	return NewPolicyList(l.SystemID, createPolicies), NewPolicyList(l.SystemID, updatePolicies)
}

// SplitForRevoke splits a revocation against the existing policies in
// the list. A policy whose action has no related resource types, or
// whose conditions would be entirely removed, is deleted whole;
// anything else is trimmed and updated.
func (l *PolicyList) SplitForRevoke(deletes *PolicyList) (updates, removals *PolicyList) {
	var updatePolicies, deletePolicies []Policy
	for i := range l.Policies {
		p := &l.Policies[i]
		d := deletes.Get(p.ActionID)
		if d == nil {
			continue
		}

		if p.IsUnrelated() {
			deletePolicies = append(deletePolicies, p.Clone())
			continue
		}

		if emptied := p.RemoveRelatedResourceTypes(d.RelatedResourceTypes); emptied {
			deletePolicies = append(deletePolicies, p.Clone())
			continue
		}
		updatePolicies = append(updatePolicies, p.Clone())
	}
	return NewPolicyList(l.SystemID, updatePolicies), NewPolicyList(l.SystemID, deletePolicies)
}

// SetExpiredAt overwrites the expiration of every policy in the list.
func (l *PolicyList) SetExpiredAt(expiredAt int64) {
	for i := range l.Policies {
		l.Policies[i].SetExpiredAt(expiredAt)
	}
}

// PathNodes returns every node on every instance path across all
// policies, leaves included.
func (l *PolicyList) PathNodes() []PathNode {
	var nodes []PathNode
	for i := range l.Policies {
		nodes = append(nodes, l.Policies[i].PathNodes()...)
	}
	return nodes
}

// CheckAddOnly fails when any incoming action already has a policy in
// the list. Custom grants only add new actions, never update existing
// ones, so a repeat is a conflict: retrying after the existing grant
// is revoked may succeed.
func (l *PolicyList) CheckAddOnly(incoming *PolicyList) error {
	for i := range incoming.Policies {
		actionID := incoming.Policies[i].ActionID
		if l.Get(actionID) != nil {
			return apperr.Conflictf(
				"system %s action %s already granted, custom grants can only add new actions",
				l.SystemID, actionID,
			)
		}
	}
	return nil
}

// CheckInstanceLimit fails when any related resource type in any
// policy carries more concrete instances than the ceiling allows.
func (l *PolicyList) CheckInstanceLimit(limit int) error {
	if limit <= 0 {
		return nil
	}
	for i := range l.Policies {
		p := &l.Policies[i]
		for j := range p.RelatedResourceTypes {
			rrt := &p.RelatedResourceTypes[j]
			if count := rrt.CountInstance(); count > limit {
				return apperr.Validationf(
					"action %s resource type %s has %d instances, exceeding the limit of %d",
					p.ActionID, rrt.Type, count, limit,
				)
			}
		}
	}
	return nil
}
