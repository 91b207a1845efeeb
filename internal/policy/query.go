package policy

import "context"

// joinRows turns mirror rows into policies by joining the backend's
// thin list for the same subject. The backend is authoritative: a row
// whose action it does not know is skipped, and the backend id fills in
// for rows still carrying the zero placeholder.
func (s *Service) joinRows(ctx context.Context, systemID string, subject Subject, rows []RawPolicy) ([]Policy, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	thin, err := s.backend.ListPolicies(ctx, systemID, subject, 0)
	if err != nil {
		return nil, err
	}
	thinList := NewThinPolicyList(thin)

	policies := make([]Policy, 0, len(rows))
	for _, row := range rows {
		t := thinList.Get(row.ActionID)
		if t == nil {
			continue
		}
		resourceTypes, err := row.ParseResources()
		if err != nil {
			return nil, err
		}
		policyID := row.PolicyID
		if policyID == UnassignedPolicyID {
			policyID = t.ID
		}
		policies = append(policies, Policy{
			ActionID:             row.ActionID,
			RelatedResourceTypes: resourceTypes,
			PolicyID:             policyID,
			ExpiredAt:            t.ExpiredAt,
		})
	}
	return policies, nil
}

// ListBySubject returns the subject's policies in one system.
func (s *Service) ListBySubject(ctx context.Context, systemID string, subject Subject) ([]Policy, error) {
	rows, err := s.store.ListBySubject(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	return s.joinRows(ctx, systemID, subject, rows)
}

// ListBySubjectActions returns the subject's policies for the given
// actions only.
func (s *Service) ListBySubjectActions(ctx context.Context, systemID string, subject Subject, actionIDs []string) ([]Policy, error) {
	policies, err := s.ListBySubject(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(actionIDs))
	for _, id := range actionIDs {
		wanted[id] = struct{}{}
	}
	filtered := policies[:0]
	for _, p := range policies {
		if _, ok := wanted[p.ActionID]; ok {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// ListByPolicyIDs returns the subject's policies with the given backend
// ids.
func (s *Service) ListByPolicyIDs(ctx context.Context, systemID string, subject Subject, policyIDs []int64) ([]Policy, error) {
	rows, err := s.store.ListBySubjectPolicyIDs(ctx, systemID, subject, policyIDs)
	if err != nil {
		return nil, err
	}
	return s.joinRows(ctx, systemID, subject, rows)
}

// NewPolicyListBySubject loads the subject's policies in one system as
// an indexed list.
func (s *Service) NewPolicyListBySubject(ctx context.Context, systemID string, subject Subject) (*PolicyList, error) {
	policies, err := s.ListBySubject(ctx, systemID, subject)
	if err != nil {
		return nil, err
	}
	return NewPolicyList(systemID, policies), nil
}

// GetSystemPolicy looks a single policy up by backend id and returns it
// with the system it belongs to.
func (s *Service) GetSystemPolicy(ctx context.Context, subject Subject, policyID int64) (string, Policy, error) {
	row, err := s.store.GetByPolicyID(ctx, policyID, subject)
	if err != nil {
		return "", Policy{}, err
	}
	policies, err := s.joinRows(ctx, row.SystemID, subject, []RawPolicy{row})
	if err != nil {
		return "", Policy{}, err
	}
	if len(policies) == 0 {
		return "", Policy{}, ErrNotFound
	}
	return row.SystemID, policies[0], nil
}

// CountBySystem returns how many policies the subject holds per system.
func (s *Service) CountBySystem(ctx context.Context, subject Subject) ([]SystemCount, error) {
	return s.store.CountBySystem(ctx, subject)
}

// ListExpired returns the subject's backend policies, across systems,
// that expire at or before the given unix time.
func (s *Service) ListExpired(ctx context.Context, subject Subject, expiredAt int64) ([]ThinPolicy, error) {
	return s.backend.ListPoliciesBeforeExpiredAt(ctx, subject, expiredAt)
}

// Subjects lists every subject holding at least one mirror policy.
func (s *Service) Subjects(ctx context.Context) ([]Subject, error) {
	return s.store.ListSubjects(ctx)
}
