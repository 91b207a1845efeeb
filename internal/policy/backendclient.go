package policy

import "context"

// ThinPolicy is the authorization backend's view of one policy. The
// backend is authoritative for the id and the expiration.
type ThinPolicy struct {
	ID        int64  `json:"id"`
	SystemID  string `json:"system"`
	ActionID  string `json:"action_id"`
	ExpiredAt int64  `json:"expired_at"`
}

// PolicyExpiry names one backend policy and its new expiration.
type PolicyExpiry struct {
	PolicyID  int64 `json:"id"`
	ExpiredAt int64 `json:"expired_at"`
}

// ThinPolicyList indexes thin policies by action id.
type ThinPolicyList struct {
	policies []ThinPolicy
	byAction map[string]int
}

// NewThinPolicyList builds an index over backend policies. The last entry
// wins if the backend ever returns duplicate actions.
func NewThinPolicyList(policies []ThinPolicy) *ThinPolicyList {
	l := &ThinPolicyList{policies: policies, byAction: make(map[string]int, len(policies))}
	for i, p := range policies {
		l.byAction[p.ActionID] = i
	}
	return l
}

// Get returns the policy for the action, or nil if the backend does not
// have one.
func (l *ThinPolicyList) Get(actionID string) *ThinPolicy {
	i, ok := l.byAction[actionID]
	if !ok {
		return nil
	}
	return &l.policies[i]
}

// IDs returns the backend policy ids in list order.
func (l *ThinPolicyList) IDs() []int64 {
	ids := make([]int64, 0, len(l.policies))
	for _, p := range l.policies {
		ids = append(ids, p.ID)
	}
	return ids
}

// BackendClient is the slice of the authorization backend API used for
// policy writes and joins. The concrete client lives in internal/backend.
type BackendClient interface {
	// AlterPolicies applies creates, updates and deletes for one subject
	// in one backend call.
	AlterPolicies(ctx context.Context, systemID string, subject Subject, create, update []Policy, deleteIDs []int64) error
	DeletePolicies(ctx context.Context, systemID string, subject Subject, policyIDs []int64) error
	UpdatePolicyExpiredAt(ctx context.Context, subject Subject, renewals []PolicyExpiry) error
	// ListPolicies lists the subject's backend policies for one system.
	// templateID 0 selects the subject's own custom policies.
	ListPolicies(ctx context.Context, systemID string, subject Subject, templateID int64) ([]ThinPolicy, error)
	// ListPoliciesBeforeExpiredAt lists the subject's backend policies
	// across systems that expire at or before the given unix time.
	ListPoliciesBeforeExpiredAt(ctx context.Context, subject Subject, expiredAt int64) ([]ThinPolicy, error)
}

// Locker serializes policy changes per subject. LockFunc returns a
// release function on success.
type Locker interface {
	LockFunc(ctx context.Context, key string) (func(context.Context) error, error)
}
