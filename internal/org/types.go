package org

import (
	"encoding/json"
	"fmt"
	"time"
)

// Department is one organizational unit. Ancestors holds the ids from
// the root down to the parent and is maintained on every write, so
// scope checks never have to walk the tree.
type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id"`
	Ancestors []string  `json:"ancestors"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawDepartment is the stored form of a Department.
type RawDepartment struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	ParentID  string    `db:"parent_id"`
	Ancestors []byte    `db:"ancestors"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Parse decodes the stored ancestor chain.
func (r RawDepartment) Parse() (Department, error) {
	dept := Department{ID: r.ID, Name: r.Name, ParentID: r.ParentID, UpdatedAt: r.UpdatedAt}
	if len(r.Ancestors) == 0 {
		return dept, nil
	}
	if err := json.Unmarshal(r.Ancestors, &dept.Ancestors); err != nil {
		return Department{}, fmt.Errorf("failed to parse ancestors of department %s: %w", r.ID, err)
	}
	return dept, nil
}

func marshalAncestors(ancestors []string) ([]byte, error) {
	if ancestors == nil {
		ancestors = []string{}
	}
	data, err := json.Marshal(ancestors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ancestors: %w", err)
	}
	return data, nil
}

// User is one person in the organization.
type User struct {
	Username     string    `db:"username" json:"username"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	DepartmentID string    `db:"department_id" json:"department_id"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
