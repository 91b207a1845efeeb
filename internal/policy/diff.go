package policy

import "sort"

// ConditionList is the working form of a resource type's conditions.
// Exactly one of three states holds at any time: concrete (conditions
// remain), any (constructed with no conditions, meaning unrestricted
// access), or emptied (a subtraction removed everything). Emptied must
// stay distinct from any: persisting an empty condition list would
// silently widen the policy to unrestricted.
type ConditionList struct {
	Conditions []Condition
	Any        bool
	Empty      bool
}

// NewConditionList merges the conditions and wraps them for set
// operations.
func NewConditionList(conditions []Condition) *ConditionList {
	merged := mergeConditions(conditions)
	return &ConditionList{Conditions: merged, Any: len(merged) == 0}
}

// mergeConditions collapses conditions with equal attribute constraints
// into one, unioning their instances. Attribute-only conditions are
// deduplicated. Instance-carrying conditions are visited in descending
// id order so a condition that carries an id becomes the merge base.
func mergeConditions(conditions []Condition) []Condition {
	if len(conditions) == 0 {
		return conditions
	}

	attrOnly := make(map[string]Condition)
	var attrOrder []string
	for _, c := range conditions {
		if !c.HasNoInstances() {
			continue
		}
		fp := c.AttributeFingerprint()
		if _, ok := attrOnly[fp]; !ok {
			attrOrder = append(attrOrder, fp)
		}
		attrOnly[fp] = c
	}

	withInstances := make([]Condition, 0, len(conditions))
	for _, c := range conditions {
		if !c.HasNoInstances() {
			withInstances = append(withInstances, c)
		}
	}
	sort.SliceStable(withInstances, func(i, j int) bool {
		return withInstances[i].ID > withInstances[j].ID
	})

	merged := make(map[string]*Condition)
	var mergedOrder []string
	for _, c := range withInstances {
		fp := c.AttributeFingerprint()
		if base, ok := merged[fp]; ok {
			base.AddInstances(c.Instances)
			continue
		}
		clone := c.Clone()
		merged[fp] = &clone
		mergedOrder = append(mergedOrder, fp)
	}

	result := make([]Condition, 0, len(mergedOrder)+len(attrOrder))
	for _, fp := range mergedOrder {
		result = append(result, *merged[fp])
	}
	for _, fp := range attrOrder {
		result = append(result, attrOnly[fp])
	}
	return result
}

// Add merges other into the list. An any list absorbs everything; an
// any other widens the list to any.
func (cl *ConditionList) Add(other *ConditionList) *ConditionList {
	if cl.Any {
		return cl
	}
	if other.Any {
		cl.Conditions = nil
		cl.Any = true
		cl.Empty = false
		return cl
	}

	attrIndex := make(map[string]struct{})
	instIndex := make(map[string]int)
	for i := range cl.Conditions {
		c := &cl.Conditions[i]
		fp := c.AttributeFingerprint()
		if c.HasNoInstances() {
			attrIndex[fp] = struct{}{}
		} else {
			instIndex[fp] = i
		}
	}

	for _, c := range other.Conditions {
		if c.HasNoInstances() && c.HasNoAttributes() {
			continue
		}
		fp := c.AttributeFingerprint()
		if c.HasNoInstances() {
			if _, ok := attrIndex[fp]; ok {
				continue
			}
			attrIndex[fp] = struct{}{}
			cl.Conditions = append(cl.Conditions, c.Clone())
			continue
		}
		if i, ok := instIndex[fp]; ok {
			cl.Conditions[i].AddInstances(c.Instances)
			continue
		}
		instIndex[fp] = len(cl.Conditions)
		cl.Conditions = append(cl.Conditions, c.Clone())
	}

	cl.Empty = len(cl.Conditions) == 0
	return cl
}

// Sub removes other's conditions from the list. Any minus any empties
// the list; any minus concrete stays any; concrete minus any keeps the
// concrete conditions.
func (cl *ConditionList) Sub(other *ConditionList) *ConditionList {
	if cl.Any {
		if other.Any {
			cl.Any = false
			cl.Empty = true
		}
		return cl
	}

	removeAttr := make(map[string]struct{})
	removeInst := make(map[string]*Condition)
	for i := range other.Conditions {
		c := &other.Conditions[i]
		fp := c.AttributeFingerprint()
		if c.HasNoInstances() {
			removeAttr[fp] = struct{}{}
		} else {
			removeInst[fp] = c
		}
	}

	kept := cl.Conditions[:0]
	for i := range cl.Conditions {
		c := &cl.Conditions[i]
		fp := c.AttributeFingerprint()
		if c.HasNoInstances() {
			if _, ok := removeAttr[fp]; ok {
				continue
			}
			kept = append(kept, *c)
			continue
		}
		rem, ok := removeInst[fp]
		if !ok {
			kept = append(kept, *c)
			continue
		}
		c.RemoveInstances(rem.Instances)
		if !c.HasNoInstances() {
			kept = append(kept, *c)
		}
	}
	cl.Conditions = kept

	cl.Empty = len(cl.Conditions) == 0
	return cl
}

// RemoveByIDs drops the conditions with the given ids.
func (cl *ConditionList) RemoveByIDs(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	kept := cl.Conditions[:0]
	for _, c := range cl.Conditions {
		if _, ok := set[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	cl.Conditions = kept
	if !cl.Any {
		cl.Empty = len(cl.Conditions) == 0
	}
}

// relatedResourceTypeList runs set operations across all resource types
// of a policy at once.
type relatedResourceTypeList struct {
	types []RelatedResourceType
	empty bool
}

func newRelatedResourceTypeList(types []RelatedResourceType) *relatedResourceTypeList {
	return &relatedResourceTypeList{types: types}
}

func (l *relatedResourceTypeList) get(systemID, resourceType string) *RelatedResourceType {
	for i := range l.types {
		rrt := &l.types[i]
		if rrt.SystemID == systemID && rrt.Type == resourceType {
			return rrt
		}
	}
	return nil
}

func (l *relatedResourceTypeList) add(other *relatedResourceTypeList) {
	for i := range l.types {
		rrt := &l.types[i]
		ot := other.get(rrt.SystemID, rrt.Type)
		if ot == nil {
			continue
		}
		cl := NewConditionList(rrt.Condition)
		cl.Add(NewConditionList(ot.Condition))
		rrt.Condition = cl.Conditions
	}
}

// sub subtracts other's conditions type by type. A type whose
// conditions would be completely removed keeps its original conditions
// instead, because committing an empty list would read as unrestricted
// access; the caller decides what to do with a fully emptied policy.
func (l *relatedResourceTypeList) sub(other *relatedResourceTypeList) {
	empty := true
	for i := range l.types {
		rrt := &l.types[i]
		ot := other.get(rrt.SystemID, rrt.Type)
		if ot == nil {
			// untouched type keeps its conditions, so the policy is not empty
			empty = false
			continue
		}
		cl := NewConditionList(cloneConditions(rrt.Condition))
		cl.Sub(NewConditionList(ot.Condition))
		if !cl.Empty {
			rrt.Condition = cl.Conditions
			empty = false
		}
	}
	l.empty = empty
}

// AddRelatedResourceTypes merges the given conditions into the policy's
// matching resource types.
func (p *Policy) AddRelatedResourceTypes(types []RelatedResourceType) {
	list := newRelatedResourceTypeList(p.RelatedResourceTypes)
	list.add(newRelatedResourceTypeList(types))
	p.RelatedResourceTypes = list.types
}

// ContainsRelatedResourceTypes reports whether the policy already
// covers the given conditions: other minus this policy leaves nothing.
// A policy with no related resource types contains everything for its
// action.
func (p *Policy) ContainsRelatedResourceTypes(types []RelatedResourceType) bool {
	if p.IsUnrelated() {
		return true
	}
	list := newRelatedResourceTypeList(cloneRelatedResourceTypes(types))
	list.sub(newRelatedResourceTypeList(p.RelatedResourceTypes))
	return list.empty
}

// RemoveRelatedResourceTypes subtracts the given conditions from the
// policy. When removal would clear every resource type it reports
// emptied=true and leaves the policy unchanged, so the caller can
// delete the whole policy instead of persisting a widened one.
func (p *Policy) RemoveRelatedResourceTypes(types []RelatedResourceType) (emptied bool) {
	if p.IsUnrelated() {
		return false
	}
	list := newRelatedResourceTypeList(p.RelatedResourceTypes)
	list.sub(newRelatedResourceTypeList(types))
	if list.empty {
		return true
	}
	p.RelatedResourceTypes = list.types
	return false
}
