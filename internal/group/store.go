package group

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/permseal/internal/policy"
)

// ErrNotFound is returned when a group does not exist.
var ErrNotFound = errors.New("group not found")

// Store persists groups, members, authorize locks and tasks.
type Store interface {
	CreateGroup(ctx context.Context, g Group) (int64, error)
	GetGroup(ctx context.Context, id int64) (Group, error)
	GetGroupByRoleAndName(ctx context.Context, roleID int64, name string) (Group, error)
	ListGroups(ctx context.Context, roleID int64) ([]Group, error)
	UpdateGroup(ctx context.Context, id int64, name, description string) error
	DeleteGroup(ctx context.Context, id int64) error

	AddMembers(ctx context.Context, groupID int64, members []Member) error
	RemoveMembers(ctx context.Context, groupID int64, subjects []policy.Subject) error
	ListMembers(ctx context.Context, groupID int64) ([]Member, error)
	ListMembersBefore(ctx context.Context, groupID int64, expiredAt int64) ([]Member, error)
	CountMembers(ctx context.Context, groupID int64) (int, error)
	CountSubjectGroups(ctx context.Context, subject policy.Subject) (int, error)
	UpdateMembersExpiredAt(ctx context.Context, groupID int64, renewals []MemberExpiry) error
	DeleteMembers(ctx context.Context, groupID int64) error

	CreateLocks(ctx context.Context, locks []AuthorizeLock) error
	ListLocksByGroup(ctx context.Context, groupID int64) ([]AuthorizeLock, error)
	ListLocksByKey(ctx context.Context, key string) ([]AuthorizeLock, error)
	DeleteLock(ctx context.Context, id int64) error

	CreateTask(ctx context.Context, t Task) (int64, error)
	ListPendingTasks(ctx context.Context, limit, maxAttempts int) ([]Task, error)
	MarkTaskDone(ctx context.Context, id int64) error
	BumpTaskAttempts(ctx context.Context, id int64) error

	// InTransaction runs fn against a store bound to one database
	// transaction, committing when fn returns nil.
	InTransaction(ctx context.Context, fn func(Store) error) error
}

type sqlStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// NewStore creates a PostgreSQL-backed group store.
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

func (s *sqlStore) CreateGroup(ctx context.Context, g Group) (int64, error) {
	var id int64
	err := s.ext.QueryRowxContext(ctx, `
		INSERT INTO groups (role_id, name, description, creator, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		g.RoleID, g.Name, g.Description, g.Creator, g.CreatedAt,
	).Scan(&id)
	return id, err
}

const groupColumns = `id, role_id, name, description, creator, created_at`

func (s *sqlStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	var g Group
	err := sqlx.GetContext(ctx, s.ext, &g, `
		SELECT `+groupColumns+` FROM groups WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqlStore) GetGroupByRoleAndName(ctx context.Context, roleID int64, name string) (Group, error) {
	var g Group
	err := sqlx.GetContext(ctx, s.ext, &g, `
		SELECT `+groupColumns+` FROM groups WHERE role_id = $1 AND name = $2`, roleID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqlStore) ListGroups(ctx context.Context, roleID int64) ([]Group, error) {
	groups := []Group{}
	if roleID == 0 {
		err := sqlx.SelectContext(ctx, s.ext, &groups, `
			SELECT `+groupColumns+` FROM groups ORDER BY id`)
		return groups, err
	}
	err := sqlx.SelectContext(ctx, s.ext, &groups, `
		SELECT `+groupColumns+` FROM groups WHERE role_id = $1 ORDER BY id`, roleID)
	return groups, err
}

func (s *sqlStore) UpdateGroup(ctx context.Context, id int64, name, description string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE groups SET name = $2, description = $3 WHERE id = $1`,
		id, name, description)
	return err
}

func (s *sqlStore) DeleteGroup(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	return err
}

func (s *sqlStore) AddMembers(ctx context.Context, groupID int64, members []Member) error {
	for _, m := range members {
		_, err := s.ext.ExecContext(ctx, `
			INSERT INTO group_members (group_id, subject_type, subject_id, expired_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (group_id, subject_type, subject_id)
			DO UPDATE SET expired_at = EXCLUDED.expired_at`,
			groupID, m.Type, m.ID, m.ExpiredAt, m.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) RemoveMembers(ctx context.Context, groupID int64, subjects []policy.Subject) error {
	for _, sub := range subjects {
		_, err := s.ext.ExecContext(ctx, `
			DELETE FROM group_members
			WHERE group_id = $1 AND subject_type = $2 AND subject_id = $3`,
			groupID, sub.Type, sub.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

const memberColumns = `group_id, subject_type, subject_id, expired_at, created_at`

func (s *sqlStore) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	members := []Member{}
	err := sqlx.SelectContext(ctx, s.ext, &members, `
		SELECT `+memberColumns+` FROM group_members
		WHERE group_id = $1 ORDER BY subject_type, subject_id`, groupID)
	return members, err
}

func (s *sqlStore) ListMembersBefore(ctx context.Context, groupID int64, expiredAt int64) ([]Member, error) {
	members := []Member{}
	err := sqlx.SelectContext(ctx, s.ext, &members, `
		SELECT `+memberColumns+` FROM group_members
		WHERE group_id = $1 AND expired_at <= $2
		ORDER BY expired_at, subject_type, subject_id`, groupID, expiredAt)
	return members, err
}

func (s *sqlStore) CountMembers(ctx context.Context, groupID int64) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.ext, &count, `
		SELECT COUNT(*) FROM group_members WHERE group_id = $1`, groupID)
	return count, err
}

func (s *sqlStore) CountSubjectGroups(ctx context.Context, subject policy.Subject) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.ext, &count, `
		SELECT COUNT(*) FROM group_members
		WHERE subject_type = $1 AND subject_id = $2`, subject.Type, subject.ID)
	return count, err
}

func (s *sqlStore) UpdateMembersExpiredAt(ctx context.Context, groupID int64, renewals []MemberExpiry) error {
	for _, r := range renewals {
		_, err := s.ext.ExecContext(ctx, `
			UPDATE group_members SET expired_at = $4
			WHERE group_id = $1 AND subject_type = $2 AND subject_id = $3`,
			groupID, r.Type, r.ID, r.ExpiredAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) DeleteMembers(ctx context.Context, groupID int64) error {
	_, err := s.ext.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID)
	return err
}

func (s *sqlStore) CreateLocks(ctx context.Context, locks []AuthorizeLock) error {
	for _, l := range locks {
		policies, err := marshalLockPolicies(l.Policies)
		if err != nil {
			return err
		}
		_, err = s.ext.ExecContext(ctx, `
			INSERT INTO group_authorize_locks (group_id, template_id, system_id, key, policies, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			l.GroupID, l.TemplateID, l.SystemID, l.Key, policies, l.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

const lockColumns = `id, group_id, template_id, system_id, key, policies, created_at`

func (s *sqlStore) ListLocksByGroup(ctx context.Context, groupID int64) ([]AuthorizeLock, error) {
	var raws []RawAuthorizeLock
	err := sqlx.SelectContext(ctx, s.ext, &raws, `
		SELECT `+lockColumns+` FROM group_authorize_locks
		WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	return parseLocks(raws)
}

func (s *sqlStore) ListLocksByKey(ctx context.Context, key string) ([]AuthorizeLock, error) {
	var raws []RawAuthorizeLock
	err := sqlx.SelectContext(ctx, s.ext, &raws, `
		SELECT `+lockColumns+` FROM group_authorize_locks
		WHERE key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	return parseLocks(raws)
}

func parseLocks(raws []RawAuthorizeLock) ([]AuthorizeLock, error) {
	locks := make([]AuthorizeLock, 0, len(raws))
	for _, raw := range raws {
		l, err := raw.Parse()
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func (s *sqlStore) DeleteLock(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `DELETE FROM group_authorize_locks WHERE id = $1`, id)
	return err
}

func (s *sqlStore) CreateTask(ctx context.Context, t Task) (int64, error) {
	var id int64
	err := s.ext.QueryRowxContext(ctx, `
		INSERT INTO tasks (type, group_id, key, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.Type, t.GroupID, t.Key, t.Status, t.Attempts, t.CreatedAt,
	).Scan(&id)
	return id, err
}

// ListPendingTasks returns runnable tasks. Tasks that exhausted their
// attempts stay pending in storage for operators but are never listed.
func (s *sqlStore) ListPendingTasks(ctx context.Context, limit, maxAttempts int) ([]Task, error) {
	tasks := []Task{}
	err := sqlx.SelectContext(ctx, s.ext, &tasks, `
		SELECT id, type, group_id, key, status, attempts, created_at
		FROM tasks WHERE status = $1 AND attempts < $2 ORDER BY id LIMIT $3`,
		TaskStatusPending, maxAttempts, limit)
	return tasks, err
}

func (s *sqlStore) MarkTaskDone(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE tasks SET status = $2 WHERE id = $1`, id, TaskStatusDone)
	return err
}

func (s *sqlStore) BumpTaskAttempts(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE tasks SET attempts = attempts + 1 WHERE id = $1`, id)
	return err
}
