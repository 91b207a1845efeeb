// Package policy implements the policy value model, the collection
// diff engine, and the operation service that keeps the local mirror
// and the authorization backend consistent.
package policy

import (
	"sort"
	"strings"
)

const (
	// PermanentExpiredAt is 2100-01-01 00:00:00 UTC, the timestamp used
	// for grants that never expire.
	PermanentExpiredAt int64 = 4102444800

	// ExpireSoonSeconds is the window before expiration in which a
	// policy is reported as expiring soon.
	ExpireSoonSeconds int64 = 15 * 24 * 3600

	// AnyID marks an instance path node that covers every id of its type.
	AnyID = "*"

	// UnassignedPolicyID is the placeholder backend id carried by a
	// freshly created mirror row until reconciliation runs.
	UnassignedPolicyID int64 = 0
)

// Subject type values.
const (
	SubjectTypeUser       = "user"
	SubjectTypeGroup      = "group"
	SubjectTypeDepartment = "department"
	SubjectTypeAll        = "*"
)

// Subject identifies who a policy is granted to.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewGroupSubject returns the subject for a group id.
func NewGroupSubject(id string) Subject {
	return Subject{Type: SubjectTypeGroup, ID: id}
}

// NewUserSubject returns the subject for a username.
func NewUserSubject(id string) Subject {
	return Subject{Type: SubjectTypeUser, ID: id}
}

// PathNode is one hop in a hierarchical resource path.
type PathNode struct {
	SystemID string `json:"system_id"`
	Type     string `json:"type"`
	TypeName string `json:"type_name,omitempty"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// PathString renders a path as "/type,id/type,id/". Two paths are the
// same instance exactly when their path strings are equal.
func PathString(path []PathNode) string {
	var b strings.Builder
	for _, node := range path {
		b.WriteString("/")
		b.WriteString(node.Type)
		b.WriteString(",")
		b.WriteString(node.ID)
	}
	b.WriteString("/")
	return b.String()
}

// PathDisplay renders a path as "type:name/type:name" for error messages.
func PathDisplay(path []PathNode) string {
	parts := make([]string, 0, len(path))
	for _, node := range path {
		parts = append(parts, node.Type+":"+node.Name)
	}
	return strings.Join(parts, "/")
}

// Instance enumerates concrete resource paths of one resource type.
type Instance struct {
	Type string       `json:"type"`
	Name string       `json:"name,omitempty"`
	Path [][]PathNode `json:"path"`
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	c := i
	c.Path = make([][]PathNode, len(i.Path))
	for n, path := range i.Path {
		c.Path[n] = append([]PathNode(nil), path...)
	}
	return c
}

// IsEmpty reports whether the instance has no paths left.
func (i *Instance) IsEmpty() bool {
	return len(i.Path) == 0
}

// Count returns the number of concrete paths.
func (i *Instance) Count() int {
	return len(i.Path)
}

func (i *Instance) pathSet() map[string]struct{} {
	set := make(map[string]struct{}, len(i.Path))
	for _, path := range i.Path {
		set[PathString(path)] = struct{}{}
	}
	return set
}

// AddPaths appends the paths that are not already present.
func (i *Instance) AddPaths(paths [][]PathNode) {
	set := i.pathSet()
	for _, path := range paths {
		if _, ok := set[PathString(path)]; ok {
			continue
		}
		i.Path = append(i.Path, path)
	}
}

// RemovePaths removes every path present in paths.
func (i *Instance) RemovePaths(paths [][]PathNode) {
	set := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		set[PathString(path)] = struct{}{}
	}
	kept := i.Path[:0]
	for _, path := range i.Path {
		if _, ok := set[PathString(path)]; !ok {
			kept = append(kept, path)
		}
	}
	i.Path = kept
}

// Value is one allowed attribute value.
type Value struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Attribute is a name/values constraint on a resource.
type Attribute struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Values []Value `json:"values"`
}

// Clone returns a deep copy.
func (a Attribute) Clone() Attribute {
	c := a
	c.Values = append([]Value(nil), a.Values...)
	return c
}

// fingerprint renders the attribute as "id:v1,v2" with value ids
// sorted, so equal constraints always render identically.
func (a *Attribute) fingerprint() string {
	ids := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return a.ID + ":" + strings.Join(ids, ",")
}

// Condition couples concrete instances with attribute constraints. A
// condition with neither means full access to the resource type.
type Condition struct {
	ID         string      `json:"id"`
	Instances  []Instance  `json:"instances"`
	Attributes []Attribute `json:"attributes"`
}

// Clone returns a deep copy.
func (c Condition) Clone() Condition {
	clone := c
	clone.Instances = make([]Instance, len(c.Instances))
	for i, inst := range c.Instances {
		clone.Instances[i] = inst.Clone()
	}
	clone.Attributes = make([]Attribute, len(c.Attributes))
	for i, attr := range c.Attributes {
		clone.Attributes[i] = attr.Clone()
	}
	return clone
}

// HasNoInstances reports whether the condition carries no instances.
func (c *Condition) HasNoInstances() bool {
	return len(c.Instances) == 0
}

// HasNoAttributes reports whether the condition carries no attributes.
func (c *Condition) HasNoAttributes() bool {
	return len(c.Attributes) == 0
}

// AttributeFingerprint identifies the condition's attribute constraints
// independent of ordering. Conditions with equal fingerprints can have
// their instances merged.
func (c *Condition) AttributeFingerprint() string {
	prints := make([]string, 0, len(c.Attributes))
	for i := range c.Attributes {
		prints = append(prints, c.Attributes[i].fingerprint())
	}
	sort.Strings(prints)
	return strings.Join(prints, ";")
}

// AddInstances merges instances into the condition, deduplicating paths
// per resource type. Appended instances are copied so the condition
// never shares path storage with the source.
func (c *Condition) AddInstances(instances []Instance) {
	for _, in := range instances {
		existing := c.getInstance(in.Type)
		if existing == nil {
			c.Instances = append(c.Instances, in.Clone())
			continue
		}
		existing.AddPaths(in.Path)
	}
}

// RemoveInstances removes the given instances' paths and drops any
// instance emptied by the removal.
func (c *Condition) RemoveInstances(instances []Instance) {
	for _, in := range instances {
		existing := c.getInstance(in.Type)
		if existing == nil {
			continue
		}
		existing.RemovePaths(in.Path)
	}
	kept := c.Instances[:0]
	for _, in := range c.Instances {
		if !in.IsEmpty() {
			kept = append(kept, in)
		}
	}
	c.Instances = kept
}

func (c *Condition) getInstance(resourceType string) *Instance {
	for i := range c.Instances {
		if c.Instances[i].Type == resourceType {
			return &c.Instances[i]
		}
	}
	return nil
}

// CountInstance returns the number of concrete paths for the given
// resource type.
func (c *Condition) CountInstance(resourceType string) int {
	count := 0
	for i := range c.Instances {
		if c.Instances[i].Type == resourceType {
			count += c.Instances[i].Count()
		}
	}
	return count
}

// RelatedResourceType carries the conditions a policy places on one
// resource type of one system. An empty condition list means any.
type RelatedResourceType struct {
	SystemID  string      `json:"system_id"`
	Type      string      `json:"type"`
	Condition []Condition `json:"condition"`
}

// NewRelatedResourceType builds a RelatedResourceType with conditions
// merged so that duplicate attribute constraints collapse on arrival.
func NewRelatedResourceType(systemID, resourceType string, conditions []Condition) RelatedResourceType {
	return RelatedResourceType{
		SystemID:  systemID,
		Type:      resourceType,
		Condition: mergeConditions(conditions),
	}
}

// Clone returns a deep copy.
func (r RelatedResourceType) Clone() RelatedResourceType {
	c := r
	c.Condition = cloneConditions(r.Condition)
	return c
}

// CountInstance returns the number of concrete instances of this
// resource type across all conditions. Used to enforce the per-request
// instance ceiling.
func (r *RelatedResourceType) CountInstance() int {
	count := 0
	for i := range r.Condition {
		count += r.Condition[i].CountInstance(r.Type)
	}
	return count
}

func cloneConditions(conditions []Condition) []Condition {
	cloned := make([]Condition, len(conditions))
	for i, c := range conditions {
		cloned[i] = c.Clone()
	}
	return cloned
}

func cloneRelatedResourceTypes(types []RelatedResourceType) []RelatedResourceType {
	cloned := make([]RelatedResourceType, len(types))
	for i, rrt := range types {
		cloned[i] = rrt.Clone()
	}
	return cloned
}

// Policy grants one action with conditions on its related resource
// types. PolicyID is the backend identifier; UnassignedPolicyID marks a
// row the reconciliation step has not patched yet.
type Policy struct {
	ActionID             string                `json:"action_id"`
	RelatedResourceTypes []RelatedResourceType `json:"related_resource_types"`
	PolicyID             int64                 `json:"policy_id"`
	ExpiredAt            int64                 `json:"expired_at"`
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	c := p
	c.RelatedResourceTypes = cloneRelatedResourceTypes(p.RelatedResourceTypes)
	return c
}

// IsExpired reports whether the policy has expired at the given time.
func (p *Policy) IsExpired(now int64) bool {
	return p.ExpiredAt <= now
}

// SetExpiredAt overwrites the expiration.
func (p *Policy) SetExpiredAt(expiredAt int64) {
	p.ExpiredAt = expiredAt
}

// IsUnrelated reports whether the action has no related resource types.
func (p *Policy) IsUnrelated() bool {
	return len(p.RelatedResourceTypes) == 0
}

// GetRelatedResourceType returns the conditions for one resource type,
// or nil when the policy does not cover it.
func (p *Policy) GetRelatedResourceType(systemID, resourceType string) *RelatedResourceType {
	for i := range p.RelatedResourceTypes {
		rrt := &p.RelatedResourceTypes[i]
		if rrt.SystemID == systemID && rrt.Type == resourceType {
			return rrt
		}
	}
	return nil
}

// SetRelatedResourceType replaces the conditions of the matching
// resource type in place.
func (p *Policy) SetRelatedResourceType(resourceType RelatedResourceType) {
	for i := range p.RelatedResourceTypes {
		rrt := &p.RelatedResourceTypes[i]
		if rrt.SystemID == resourceType.SystemID && rrt.Type == resourceType.Type {
			rrt.Condition = resourceType.Condition
			return
		}
	}
}

// CountInstance returns the total number of concrete instances across
// all related resource types.
func (p *Policy) CountInstance() int {
	count := 0
	for i := range p.RelatedResourceTypes {
		count += p.RelatedResourceTypes[i].CountInstance()
	}
	return count
}

// PathNodes returns every node on every instance path of the policy,
// leaves included.
func (p *Policy) PathNodes() []PathNode {
	var nodes []PathNode
	for _, rrt := range p.RelatedResourceTypes {
		for _, cond := range rrt.Condition {
			for _, inst := range cond.Instances {
				for _, path := range inst.Path {
					nodes = append(nodes, path...)
				}
			}
		}
	}
	return nodes
}

// normalize merges duplicate-attribute conditions within each related
// resource type, so externally supplied policies collapse on arrival.
func (p *Policy) normalize() {
	for i := range p.RelatedResourceTypes {
		rrt := &p.RelatedResourceTypes[i]
		rrt.Condition = mergeConditions(rrt.Condition)
	}
}

// ExpiredAtFromDays returns the expiration timestamp for a grant of the
// given number of days from now, capped at PermanentExpiredAt. A
// non-positive day count means permanent.
func ExpiredAtFromDays(now int64, days int) int64 {
	if days <= 0 {
		return PermanentExpiredAt
	}
	expiredAt := now + int64(days)*24*3600
	if expiredAt > PermanentExpiredAt {
		return PermanentExpiredAt
	}
	return expiredAt
}

// GroupPathsToInstances groups raw instance paths by the resource type
// of their last node, using the second-to-last node's type when the
// last node is the any sentinel.
func GroupPathsToInstances(paths [][]PathNode) []Instance {
	grouped := make(map[string]*Instance)
	var order []string

	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		node := path[len(path)-1]
		if node.ID == AnyID && len(path) > 1 {
			node = path[len(path)-2]
		}
		inst, ok := grouped[node.Type]
		if !ok {
			inst = &Instance{Type: node.Type}
			grouped[node.Type] = inst
			order = append(order, node.Type)
		}
		inst.Path = append(inst.Path, path)
	}

	instances := make([]Instance, 0, len(order))
	for _, typ := range order {
		instances = append(instances, *grouped[typ])
	}
	return instances
}
