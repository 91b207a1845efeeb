package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when an audit event does not exist.
var ErrNotFound = errors.New("audit event not found")

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one append-only audit record of a permission-changing
// operation.
type Event struct {
	ID         int64           `db:"id" json:"id"`
	Actor      string          `db:"actor" json:"actor"`
	RoleID     int64           `db:"role_id" json:"role_id,omitempty"`
	Action     string          `db:"action" json:"action"`
	ObjectType string          `db:"object_type" json:"object_type"`
	ObjectID   string          `db:"object_id" json:"object_id"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
	Outcome    string          `db:"outcome" json:"outcome"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Filter narrows an audit query. Zero fields are ignored.
type Filter struct {
	Actor      string
	Action     string
	ObjectType string
	ObjectID   string
	Outcome    string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Store persists audit events.
type Store interface {
	Insert(ctx context.Context, e Event) (int64, error)
	Get(ctx context.Context, id int64) (Event, error)
	Query(ctx context.Context, f Filter) ([]Event, int, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a PostgreSQL-backed audit store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Insert(ctx context.Context, e Event) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO audit_events (actor, role_id, action, object_type, object_id, details, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.Actor, e.RoleID, e.Action, e.ObjectType, e.ObjectID, e.Details, e.Outcome, e.CreatedAt,
	).Scan(&id)
	return id, err
}

const eventColumns = `id, actor, role_id, action, object_type, object_id, details, outcome, created_at`

func (s *sqlStore) Get(ctx context.Context, id int64) (Event, error) {
	var e Event
	err := s.db.GetContext(ctx, &e, `
		SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

func (s *sqlStore) Query(ctx context.Context, f Filter) ([]Event, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ObjectType != "" {
		add("object_type = $%d", f.ObjectType)
	}
	if f.ObjectID != "" {
		add("object_id = $%d", f.ObjectID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_events`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	events := []Event{}
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
