package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	exportLimit       = 10000
)

// Service records and queries the audit trail. Recording never fails
// the operation that is being audited.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a new audit service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Record appends one audit event. Write failures are logged and
// swallowed so the audited operation itself stays unaffected.
func (s *Service) Record(ctx context.Context, e Event) {
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := s.store.Insert(ctx, e); err != nil {
		s.logger.Error("Failed to write audit event",
			zap.String("actor", e.Actor),
			zap.String("action", e.Action),
			zap.String("object_type", e.ObjectType),
			zap.String("object_id", e.ObjectID),
			zap.Error(err),
		)
	}
}

// Query returns matching events, newest first, plus the total match
// count before pagination.
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, int, error) {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	return s.store.Query(ctx, f)
}

// Export returns matching events for download, capped rather than
// paginated.
func (s *Service) Export(ctx context.Context, f Filter) ([]Event, error) {
	f.Limit = exportLimit
	f.Offset = 0
	events, _, err := s.store.Query(ctx, f)
	return events, err
}

// Get returns a single event.
func (s *Service) Get(ctx context.Context, id int64) (Event, error) {
	return s.store.Get(ctx, id)
}

func marshalDetails(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
