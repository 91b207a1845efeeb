package template

import (
	"encoding/json"
	"time"

	"github.com/dhawalhost/permseal/internal/policy"
)

// Template is a named, reusable action set within one system.
// Template-sourced group grants must carry exactly this action set.
type Template struct {
	ID          int64     `db:"id" json:"id"`
	SystemID    string    `db:"system_id" json:"system_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	ActionIDs   []string  `json:"action_ids"`
	Creator     string    `db:"creator" json:"creator"`
	Updating    bool      `db:"updating" json:"updating"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RawTemplate is the storage form with the action set as JSONB.
type RawTemplate struct {
	ID          int64     `db:"id"`
	SystemID    string    `db:"system_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	ActionIDs   []byte    `db:"action_ids"`
	Creator     string    `db:"creator"`
	Updating    bool      `db:"updating"`
	CreatedAt   time.Time `db:"created_at"`
}

// Parse decodes the raw row.
func (r RawTemplate) Parse() (Template, error) {
	t := Template{
		ID:          r.ID,
		SystemID:    r.SystemID,
		Name:        r.Name,
		Description: r.Description,
		Creator:     r.Creator,
		Updating:    r.Updating,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.ActionIDs) > 0 {
		if err := json.Unmarshal(r.ActionIDs, &t.ActionIDs); err != nil {
			return Template{}, err
		}
	}
	return t, nil
}

func marshalActionIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// Link records one subject's authorization through a template, with
// the granted policy snapshot as it was applied.
type Link struct {
	ID          int64           `db:"id" json:"id"`
	TemplateID  int64           `db:"template_id" json:"template_id"`
	SystemID    string          `db:"system_id" json:"system_id"`
	SubjectType string          `db:"subject_type" json:"subject_type"`
	SubjectID   string          `db:"subject_id" json:"subject_id"`
	Policies    []policy.Policy `json:"policies"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// RawLink is the storage form with the snapshot as JSONB.
type RawLink struct {
	ID          int64     `db:"id"`
	TemplateID  int64     `db:"template_id"`
	SystemID    string    `db:"system_id"`
	SubjectType string    `db:"subject_type"`
	SubjectID   string    `db:"subject_id"`
	Policies    []byte    `db:"policies"`
	CreatedAt   time.Time `db:"created_at"`
}

// Parse decodes the raw row.
func (r RawLink) Parse() (Link, error) {
	l := Link{
		ID:          r.ID,
		TemplateID:  r.TemplateID,
		SystemID:    r.SystemID,
		SubjectType: r.SubjectType,
		SubjectID:   r.SubjectID,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Policies) > 0 {
		if err := json.Unmarshal(r.Policies, &l.Policies); err != nil {
			return Link{}, err
		}
	}
	return l, nil
}

func marshalPolicies(policies []policy.Policy) ([]byte, error) {
	if policies == nil {
		policies = []policy.Policy{}
	}
	return json.Marshal(policies)
}
