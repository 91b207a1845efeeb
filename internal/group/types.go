package group

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/dhawalhost/permseal/internal/policy"
)

// CustomTemplateID marks a grant source as custom policies rather than
// a template.
const CustomTemplateID int64 = 0

// Task lifecycle.
const (
	TaskTypeGroupAuthorization = "group_authorization"

	TaskStatusPending = "pending"
	TaskStatusDone    = "done"
)

// Group is a set of subjects that share granted permissions. Groups
// belong to the role that manages them; names are unique per role.
type Group struct {
	ID          int64     `db:"id" json:"id"`
	RoleID      int64     `db:"role_id" json:"role_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Creator     string    `db:"creator" json:"creator"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Subject returns the group as a policy subject.
func (g Group) Subject() policy.Subject {
	return policy.NewGroupSubject(strconv.FormatInt(g.ID, 10))
}

// Member is one subject's membership in a group.
type Member struct {
	GroupID   int64     `db:"group_id" json:"group_id"`
	Type      string    `db:"subject_type" json:"type"`
	ID        string    `db:"subject_id" json:"id"`
	ExpiredAt int64     `db:"expired_at" json:"expired_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MemberExpiry is one membership renewal entry.
type MemberExpiry struct {
	Type      string `json:"type" binding:"required"`
	ID        string `json:"id" binding:"required"`
	ExpiredAt int64  `json:"expired_at" binding:"required"`
}

// GrantSource is one permission source in a grant request: a template
// (with its full action set) or a custom policy set for one system.
type GrantSource struct {
	TemplateID int64           `json:"template_id"`
	SystemID   string          `json:"system_id"`
	Policies   []policy.Policy `json:"policies"`
}

// AuthorizeLock is the advisory lock for one in-flight permission
// source of a group, carrying the validated policy snapshot the async
// runner will apply. Its existence means "authorization pending".
type AuthorizeLock struct {
	ID         int64           `db:"id" json:"id"`
	GroupID    int64           `db:"group_id" json:"group_id"`
	TemplateID int64           `db:"template_id" json:"template_id"`
	SystemID   string          `db:"system_id" json:"system_id"`
	Key        string          `db:"key" json:"key"`
	Policies   []policy.Policy `json:"policies"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// RawAuthorizeLock is the storage form with the snapshot as JSONB.
type RawAuthorizeLock struct {
	ID         int64     `db:"id"`
	GroupID    int64     `db:"group_id"`
	TemplateID int64     `db:"template_id"`
	SystemID   string    `db:"system_id"`
	Key        string    `db:"key"`
	Policies   []byte    `db:"policies"`
	CreatedAt  time.Time `db:"created_at"`
}

// Parse decodes the raw row.
func (r RawAuthorizeLock) Parse() (AuthorizeLock, error) {
	l := AuthorizeLock{
		ID:         r.ID,
		GroupID:    r.GroupID,
		TemplateID: r.TemplateID,
		SystemID:   r.SystemID,
		Key:        r.Key,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Policies) > 0 {
		if err := json.Unmarshal(r.Policies, &l.Policies); err != nil {
			return AuthorizeLock{}, err
		}
	}
	return l, nil
}

func marshalLockPolicies(policies []policy.Policy) ([]byte, error) {
	if policies == nil {
		policies = []policy.Policy{}
	}
	return json.Marshal(policies)
}

// Task is one queued asynchronous unit of work. A group authorization
// task points at the lock batch via the correlation key.
type Task struct {
	ID        int64     `db:"id" json:"id"`
	Type      string    `db:"type" json:"type"`
	GroupID   int64     `db:"group_id" json:"group_id"`
	Key       string    `db:"key" json:"key"`
	Status    string    `db:"status" json:"status"`
	Attempts  int       `db:"attempts" json:"attempts"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
