package policy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/pkg/cache"
)

// Service reads and changes a subject's policies. Every write goes to
// the local mirror and the authorization backend in one transaction,
// serialized per (system, subject) by a distributed lock.
type Service struct {
	store   Store
	backend BackendClient
	locks   Locker
	logger  *zap.Logger
}

// NewService creates a new policy service.
func NewService(store Store, backend BackendClient, locks Locker, logger *zap.Logger) *Service {
	return &Service{store: store, backend: backend, locks: locks, logger: logger}
}

func changeLockKey(systemID string, subject Subject) string {
	return fmt.Sprintf("policy:%s:%s:%s", systemID, subject.Type, subject.ID)
}

func (s *Service) lockChange(ctx context.Context, systemID string, subject Subject) (func(context.Context) error, error) {
	release, err := s.locks.LockFunc(ctx, changeLockKey(systemID, subject))
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, apperr.Conflictf(
			"policies of subject %s/%s in system %s are being changed, try again later",
			subject.Type, subject.ID, systemID,
		)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) releaseLock(ctx context.Context, release func(context.Context) error) {
	if err := release(ctx); err != nil {
		s.logger.Warn("Failed to release policy change lock", zap.Error(err))
	}
}

// Grant adds policies to what the subject already holds. Actions the
// subject does not have yet become creations, actions it already has
// are merged and become updates. Expirations only ever grow.
func (s *Service) Grant(ctx context.Context, systemID string, subject Subject, policies []Policy) error {
	if len(policies) == 0 {
		return nil
	}
	release, err := s.lockChange(ctx, systemID, subject)
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, release)

	oldList, err := s.NewPolicyListBySubject(ctx, systemID, subject)
	if err != nil {
		return err
	}
	creates, updates := oldList.SplitForGrant(NewPolicyList(systemID, policies))
	return s.applyAlter(ctx, systemID, subject, creates.Policies, updates.Policies, nil)
}

// Revoke removes the given policies from the subject. A policy left
// with no conditions is deleted whole, otherwise it is trimmed and
// updated. It returns the affected policies.
func (s *Service) Revoke(ctx context.Context, systemID string, subject Subject, policies []Policy) ([]Policy, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	release, err := s.lockChange(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, release)

	oldList, err := s.NewPolicyListBySubject(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	updates, removals := oldList.SplitForRevoke(NewPolicyList(systemID, policies))
	deleteIDs := make([]int64, 0, len(removals.Policies))
	for i := range removals.Policies {
		deleteIDs = append(deleteIDs, removals.Policies[i].PolicyID)
	}
	if err := s.applyAlter(ctx, systemID, subject, nil, updates.Policies, deleteIDs); err != nil {
		return nil, err
	}
	return append(updates.Policies, removals.Policies...), nil
}

// Update overwrites the conditions of existing policies. The expiration
// and backend id of each policy are preserved from the stored one, and
// every action must already be granted.
func (s *Service) Update(ctx context.Context, systemID string, subject Subject, policies []Policy) ([]Policy, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	release, err := s.lockChange(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, release)

	oldList, err := s.NewPolicyListBySubject(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	updateList := NewPolicyList(systemID, policies)
	for i := range updateList.Policies {
		p := &updateList.Policies[i]
		old := oldList.Get(p.ActionID)
		if old == nil {
			return nil, apperr.Validationf("subject %s/%s has no policy for action %s", subject.Type, subject.ID, p.ActionID)
		}
		p.ExpiredAt = old.ExpiredAt
		p.PolicyID = old.PolicyID
	}
	if err := s.applyAlter(ctx, systemID, subject, nil, updateList.Policies, nil); err != nil {
		return nil, err
	}
	return updateList.Policies, nil
}

// DeletePartial removes conditions from one related resource type of
// one policy, by condition id and by instance diff. Removing the last
// condition is refused, a policy without conditions would mean
// unrestricted scope.
func (s *Service) DeletePartial(
	ctx context.Context,
	systemID string,
	subject Subject,
	policyID int64,
	resourceSystemID, resourceTypeID string,
	conditionIDs []string,
	conditions []Condition,
) (Policy, error) {
	release, err := s.lockChange(ctx, systemID, subject)
	if err != nil {
		return Policy{}, err
	}
	defer s.releaseLock(ctx, release)

	policySystemID, policy, err := s.GetSystemPolicy(ctx, subject, policyID)
	if err != nil {
		return Policy{}, err
	}
	if policySystemID != systemID {
		return Policy{}, apperr.Validationf("policy %d does not belong to system %s", policyID, systemID)
	}
	resourceType := policy.GetRelatedResourceType(resourceSystemID, resourceTypeID)
	if resourceType == nil {
		return Policy{}, apperr.Validationf(
			"policy %d has no related resource type %s/%s", policyID, resourceSystemID, resourceTypeID,
		)
	}

	conditionList := NewConditionList(resourceType.Condition)
	conditionList.RemoveByIDs(conditionIDs)
	conditionList.Sub(NewConditionList(conditions))
	if conditionList.Empty {
		return Policy{}, apperr.Validationf("cannot remove all conditions of a policy, revoke the whole policy instead")
	}

	resourceType.Condition = conditionList.Conditions
	policy.SetRelatedResourceType(*resourceType)
	if err := s.applyAlter(ctx, systemID, subject, nil, []Policy{policy}, nil); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// DeleteByIDs removes the given policies from the mirror and the
// backend in one transaction.
func (s *Service) DeleteByIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) error {
	if len(policyIDs) == 0 {
		return nil
	}
	release, err := s.lockChange(ctx, systemID, subject)
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, release)

	return s.store.InTransaction(ctx, func(tx Store) error {
		if err := tx.DeleteByPolicyIDs(ctx, systemID, subject, policyIDs); err != nil {
			return err
		}
		return s.backend.DeletePolicies(ctx, systemID, subject, policyIDs)
	})
}

// DeleteBySubject removes every mirror policy of the subject across all
// systems. Backend policies are expected to be removed by deleting the
// subject itself, so only the mirror is touched here.
func (s *Service) DeleteBySubject(ctx context.Context, subject Subject) error {
	return s.store.DeleteBySubject(ctx, subject)
}

// Renew extends the backend expiration of the given policies. The
// mirror carries no expiration column, so there is nothing to write
// locally.
func (s *Service) Renew(ctx context.Context, subject Subject, renewals []PolicyExpiry) error {
	if len(renewals) == 0 {
		return nil
	}
	for i := range renewals {
		if renewals[i].ExpiredAt > PermanentExpiredAt {
			renewals[i].ExpiredAt = PermanentExpiredAt
		}
	}
	return s.backend.UpdatePolicyExpiredAt(ctx, subject, renewals)
}

// applyAlter applies creates, updates and deletes to the mirror and the
// backend. The backend call rides inside the database transaction so a
// backend failure rolls the mirror change back with it.
func (s *Service) applyAlter(ctx context.Context, systemID string, subject Subject, create, update []Policy, deleteIDs []int64) error {
	if len(create) == 0 && len(update) == 0 && len(deleteIDs) == 0 {
		return nil
	}
	err := s.store.InTransaction(ctx, func(tx Store) error {
		if len(create) > 0 {
			if err := tx.BulkCreate(ctx, systemID, subject, create); err != nil {
				return err
			}
		}
		if len(update) > 0 {
			if err := tx.UpdateResources(ctx, systemID, subject, update); err != nil {
				return err
			}
		}
		if len(deleteIDs) > 0 {
			if err := tx.DeleteByPolicyIDs(ctx, systemID, subject, deleteIDs); err != nil {
				return err
			}
		}
		return s.backend.AlterPolicies(ctx, systemID, subject, create, update, deleteIDs)
	})
	if err != nil {
		return err
	}

	if len(create) > 0 {
		s.syncPolicyIDs(ctx, systemID, subject)
	}
	return nil
}

// syncPolicyIDs stamps backend ids onto mirror rows created with the
// zero placeholder. It runs after the transaction committed, so a
// failure here is logged and left for the next write to repair rather
// than failing a change that is already durable.
func (s *Service) syncPolicyIDs(ctx context.Context, systemID string, subject Subject) {
	actionIDs, err := s.store.ListUnassignedActions(ctx, systemID, subject)
	if err != nil {
		s.logger.Warn("Failed to list unassigned policies", zap.String("system_id", systemID), zap.Error(err))
		return
	}
	if len(actionIDs) == 0 {
		return
	}

	thin, err := s.backend.ListPolicies(ctx, systemID, subject, 0)
	if err != nil {
		s.logger.Warn("Failed to list backend policies for id sync", zap.String("system_id", systemID), zap.Error(err))
		return
	}
	thinList := NewThinPolicyList(thin)

	idByAction := make(map[string]int64, len(actionIDs))
	for _, actionID := range actionIDs {
		if t := thinList.Get(actionID); t != nil {
			idByAction[actionID] = t.ID
		}
	}
	if len(idByAction) == 0 {
		return
	}
	if err := s.store.AssignPolicyIDs(ctx, systemID, subject, idByAction); err != nil {
		s.logger.Warn("Failed to assign backend policy ids", zap.String("system_id", systemID), zap.Error(err))
	}
}
