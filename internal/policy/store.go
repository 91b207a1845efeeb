package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no stored policy matches the query.
var ErrNotFound = errors.New("policy not found")

// RawPolicy is a stored policy row. Resources holds the related resource
// types serialized as JSON; the expiration lives in the authorization
// backend and is joined in at query time.
type RawPolicy struct {
	PK          int64  `db:"id"`
	SystemID    string `db:"system_id"`
	SubjectType string `db:"subject_type"`
	SubjectID   string `db:"subject_id"`
	ActionID    string `db:"action_id"`
	PolicyID    int64  `db:"policy_id"`
	Resources   []byte `db:"resources"`
}

// ParseResources decodes the stored related resource types.
func (r RawPolicy) ParseResources() ([]RelatedResourceType, error) {
	resourceTypes := []RelatedResourceType{}
	if len(r.Resources) > 0 {
		if err := json.Unmarshal(r.Resources, &resourceTypes); err != nil {
			return nil, fmt.Errorf("failed to decode resources of policy %d: %w", r.PK, err)
		}
	}
	return resourceTypes, nil
}

func marshalResources(p Policy) ([]byte, error) {
	resourceTypes := p.RelatedResourceTypes
	if resourceTypes == nil {
		resourceTypes = []RelatedResourceType{}
	}
	return json.Marshal(resourceTypes)
}

// SystemCount is the number of stored policies a subject holds in one system.
type SystemCount struct {
	SystemID string `db:"system_id"`
	Count    int64  `db:"count"`
}

// Store defines policy storage operations.
type Store interface {
	ListBySubject(ctx context.Context, systemID string, subject Subject) ([]RawPolicy, error)
	ListBySubjectPolicyIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) ([]RawPolicy, error)
	GetByPolicyID(ctx context.Context, policyID int64, subject Subject) (RawPolicy, error)
	CountBySystem(ctx context.Context, subject Subject) ([]SystemCount, error)
	BulkCreate(ctx context.Context, systemID string, subject Subject, policies []Policy) error
	UpdateResources(ctx context.Context, systemID string, subject Subject, policies []Policy) error
	DeleteByPolicyIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) error
	DeleteBySubject(ctx context.Context, subject Subject) error
	ListSubjects(ctx context.Context) ([]Subject, error)
	ListUnassignedActions(ctx context.Context, systemID string, subject Subject) ([]string, error)
	AssignPolicyIDs(ctx context.Context, systemID string, subject Subject, idByAction map[string]int64) error

	// InTransaction runs fn against a store bound to one database
	// transaction, committing when fn returns nil.
	InTransaction(ctx context.Context, fn func(Store) error) error
}

type sqlStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// NewStore creates a new policy store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db, ext: db}
}

func (s *sqlStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// Already inside a transaction.
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlStore{ext: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const rawPolicyColumns = `id, system_id, subject_type, subject_id, action_id, policy_id, resources`

func (s *sqlStore) ListBySubject(ctx context.Context, systemID string, subject Subject) ([]RawPolicy, error) {
	var rows []RawPolicy
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+rawPolicyColumns+` FROM policies
		WHERE system_id = $1 AND subject_type = $2 AND subject_id = $3
		ORDER BY id`,
		systemID, subject.Type, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) ListBySubjectPolicyIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) ([]RawPolicy, error) {
	if len(policyIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+rawPolicyColumns+` FROM policies
		WHERE system_id = ? AND subject_type = ? AND subject_id = ? AND policy_id IN (?)
		ORDER BY id`,
		systemID, subject.Type, subject.ID, policyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy query: %w", err)
	}
	var rows []RawPolicy
	if err := sqlx.SelectContext(ctx, s.ext, &rows, s.ext.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list policies by ids: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) GetByPolicyID(ctx context.Context, policyID int64, subject Subject) (RawPolicy, error) {
	var row RawPolicy
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+rawPolicyColumns+` FROM policies
		WHERE policy_id = $1 AND subject_type = $2 AND subject_id = $3`,
		policyID, subject.Type, subject.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return RawPolicy{}, ErrNotFound
	}
	if err != nil {
		return RawPolicy{}, fmt.Errorf("failed to get policy %d: %w", policyID, err)
	}
	return row, nil
}

func (s *sqlStore) CountBySystem(ctx context.Context, subject Subject) ([]SystemCount, error) {
	var rows []SystemCount
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT system_id, COUNT(*) AS count FROM policies
		WHERE subject_type = $1 AND subject_id = $2
		GROUP BY system_id
		ORDER BY system_id`,
		subject.Type, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count policies by system: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) BulkCreate(ctx context.Context, systemID string, subject Subject, policies []Policy) error {
	for _, p := range policies {
		resources, err := marshalResources(p)
		if err != nil {
			return fmt.Errorf("failed to encode resources of action %s: %w", p.ActionID, err)
		}
		// A re-grant can land on a row left behind when an earlier write
		// never reached the backend. Overwrite it and let the id sync
		// patch it up.
		_, err = s.ext.ExecContext(ctx,
			`INSERT INTO policies (system_id, subject_type, subject_id, action_id, policy_id, resources)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (system_id, subject_type, subject_id, action_id)
			DO UPDATE SET resources = EXCLUDED.resources, policy_id = 0, updated_at = NOW()`,
			systemID, subject.Type, subject.ID, p.ActionID, resources)
		if err != nil {
			return fmt.Errorf("failed to create policy for action %s: %w", p.ActionID, err)
		}
	}
	return nil
}

func (s *sqlStore) UpdateResources(ctx context.Context, systemID string, subject Subject, policies []Policy) error {
	if len(policies) == 0 {
		return nil
	}
	byAction := make(map[string]Policy, len(policies))
	policyIDs := make([]int64, 0, len(policies))
	for _, p := range policies {
		byAction[p.ActionID] = p
		policyIDs = append(policyIDs, p.PolicyID)
	}

	query, args, err := sqlx.In(
		`SELECT id, action_id FROM policies
		WHERE system_id = ? AND subject_type = ? AND subject_id = ? AND policy_id IN (?)`,
		systemID, subject.Type, subject.ID, policyIDs)
	if err != nil {
		return fmt.Errorf("failed to build policy query: %w", err)
	}
	var rows []struct {
		PK       int64  `db:"id"`
		ActionID string `db:"action_id"`
	}
	if err := sqlx.SelectContext(ctx, s.ext, &rows, s.ext.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to list policies for update: %w", err)
	}

	// Update by primary key to avoid deadlocks between concurrent writers.
	for _, row := range rows {
		p, ok := byAction[row.ActionID]
		if !ok {
			continue
		}
		resources, err := marshalResources(p)
		if err != nil {
			return fmt.Errorf("failed to encode resources of action %s: %w", p.ActionID, err)
		}
		_, err = s.ext.ExecContext(ctx,
			`UPDATE policies SET resources = $1, updated_at = NOW() WHERE id = $2`,
			resources, row.PK)
		if err != nil {
			return fmt.Errorf("failed to update policy for action %s: %w", p.ActionID, err)
		}
	}
	return nil
}

func (s *sqlStore) DeleteByPolicyIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) error {
	if len(policyIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM policies
		WHERE system_id = ? AND subject_type = ? AND subject_id = ? AND policy_id IN (?)`,
		systemID, subject.Type, subject.ID, policyIDs)
	if err != nil {
		return fmt.Errorf("failed to build policy delete: %w", err)
	}
	if _, err := s.ext.ExecContext(ctx, s.ext.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete policies: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteBySubject(ctx context.Context, subject Subject) error {
	_, err := s.ext.ExecContext(ctx,
		`DELETE FROM policies WHERE subject_type = $1 AND subject_id = $2`,
		subject.Type, subject.ID)
	if err != nil {
		return fmt.Errorf("failed to delete policies of subject %s/%s: %w", subject.Type, subject.ID, err)
	}
	return nil
}

func (s *sqlStore) ListSubjects(ctx context.Context) ([]Subject, error) {
	subjects := []Subject{}
	err := sqlx.SelectContext(ctx, s.ext, &subjects,
		`SELECT DISTINCT subject_type AS type, subject_id AS id FROM policies
		ORDER BY type, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy subjects: %w", err)
	}
	return subjects, nil
}

func (s *sqlStore) ListUnassignedActions(ctx context.Context, systemID string, subject Subject) ([]string, error) {
	var actionIDs []string
	err := sqlx.SelectContext(ctx, s.ext, &actionIDs,
		`SELECT action_id FROM policies
		WHERE system_id = $1 AND subject_type = $2 AND subject_id = $3 AND policy_id = 0`,
		systemID, subject.Type, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned policies: %w", err)
	}
	return actionIDs, nil
}

func (s *sqlStore) AssignPolicyIDs(ctx context.Context, systemID string, subject Subject, idByAction map[string]int64) error {
	for actionID, policyID := range idByAction {
		_, err := s.ext.ExecContext(ctx,
			`UPDATE policies SET policy_id = $1, updated_at = NOW()
			WHERE system_id = $2 AND subject_type = $3 AND subject_id = $4 AND action_id = $5 AND policy_id = 0`,
			policyID, systemID, subject.Type, subject.ID, actionID)
		if err != nil {
			return fmt.Errorf("failed to assign policy id for action %s: %w", actionID, err)
		}
	}
	return nil
}
