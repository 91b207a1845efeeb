package group

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/backend"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/role"
	"github.com/dhawalhost/permseal/internal/template"
)

// ScopeSource builds scope checkers for acting roles.
type ScopeSource interface {
	NewScopeChecker(ctx context.Context, roleID int64) (*role.ScopeChecker, error)
}

// TemplateGate is the slice of the template service the group workflow
// uses: grant eligibility, link snapshots and link teardown.
type TemplateGate interface {
	Get(ctx context.Context, id int64) (template.Template, error)
	CheckAddMember(ctx context.Context, templateID int64, subject policy.Subject, actionIDs []string) error
	RecordGrant(ctx context.Context, templateID int64, systemID string, subject policy.Subject, policies []policy.Policy) error
	LinkFor(ctx context.Context, templateID int64, subject policy.Subject) (template.Link, error)
	UpdateLinkPolicies(ctx context.Context, linkID int64, policies []policy.Policy) error
	RevokeAllForSubject(ctx context.Context, subject policy.Subject) error
	LinksForSubject(ctx context.Context, subject policy.Subject) ([]template.Link, error)
}

// PolicyWriter is the slice of the policy service the group workflow
// uses for the group's own custom policies.
type PolicyWriter interface {
	Grant(ctx context.Context, systemID string, subject policy.Subject, policies []policy.Policy) error
	Update(ctx context.Context, systemID string, subject policy.Subject, policies []policy.Policy) ([]policy.Policy, error)
	DeleteByIDs(ctx context.Context, systemID string, subject policy.Subject, policyIDs []int64) error
	DeleteBySubject(ctx context.Context, subject policy.Subject) error
	ListBySubject(ctx context.Context, systemID string, subject policy.Subject) ([]policy.Policy, error)
	NewPolicyListBySubject(ctx context.Context, systemID string, subject policy.Subject) (*policy.PolicyList, error)
}

// Registry validates that granted policies reference registered actions
// and resource types.
type Registry interface {
	ValidatePolicies(ctx context.Context, systemID string, policies []policy.Policy) error
}

// BackendClient is the slice of the authorization backend the group
// service and its task runner talk to.
type BackendClient interface {
	CreateSubjects(ctx context.Context, subjects []backend.SubjectInfo) error
	DeleteSubjects(ctx context.Context, subjects []policy.Subject) error
	AddSubjectMembers(ctx context.Context, group policy.Subject, members []backend.SubjectMember) error
	DeleteSubjectMembers(ctx context.Context, group policy.Subject, members []policy.Subject) error
	UpdateSubjectMembersExpiredAt(ctx context.Context, group policy.Subject, members []backend.SubjectMember) error
	AlterTemplatePolicies(ctx context.Context, systemID string, subject policy.Subject, templateID int64, create []policy.Policy, deleteIDs []int64) error
}

// Limits bounds group membership and grant size.
type Limits struct {
	MaxMembersPerBatch    int
	MaxMembersPerGroup    int
	MaxGroupsPerSubject   int
	MaxInstancesPerPolicy int
	MaxGroupNameLength    int
}

// Service manages groups, their members and the authorization workflow
// that grants them permissions. Grants are validated and locked
// synchronously, then applied by the task runner.
type Service struct {
	store     Store
	policies  PolicyWriter
	templates TemplateGate
	registry  Registry
	scopes    ScopeSource
	resolver  policy.NameResolver
	backend   BackendClient
	limits    Limits
	notify    chan struct{}
	logger    *zap.Logger
}

// NewService creates a new group service.
func NewService(
	store Store,
	policies PolicyWriter,
	templates TemplateGate,
	registry Registry,
	scopes ScopeSource,
	resolver policy.NameResolver,
	backendClient BackendClient,
	limits Limits,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     store,
		policies:  policies,
		templates: templates,
		registry:  registry,
		scopes:    scopes,
		resolver:  resolver,
		backend:   backendClient,
		limits:    limits,
		notify:    make(chan struct{}, 1),
		logger:    logger,
	}
}

// Notifications signals the task runner that new authorization tasks
// were enqueued. The channel never blocks the enqueuing request.
func (s *Service) Notifications() <-chan struct{} {
	return s.notify
}

func (s *Service) notifyRunner() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ownedGroup loads the group and verifies it belongs to the acting
// role. Every group operation goes through a role.
func (s *Service) ownedGroup(ctx context.Context, roleID, groupID int64) (Group, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	if g.RoleID != roleID {
		return Group{}, apperr.Scopef("group %d does not belong to role %d", groupID, roleID)
	}
	return g, nil
}

func (s *Service) checkGroupName(ctx context.Context, roleID int64, name string, selfID int64) error {
	if name == "" {
		return apperr.Validationf("group name must not be empty")
	}
	if s.limits.MaxGroupNameLength > 0 && len(name) > s.limits.MaxGroupNameLength {
		return apperr.Validationf("group name longer than %d characters", s.limits.MaxGroupNameLength)
	}
	existing, err := s.store.GetGroupByRoleAndName(ctx, roleID, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID != selfID {
		return apperr.Conflictf("group %s already exists under role %d", name, roleID)
	}
	return nil
}

// Create registers a group under the acting role. Group names are
// unique within a role. The group is registered as a backend subject in
// the same transaction so it can carry policies and members.
func (s *Service) Create(ctx context.Context, roleID int64, g Group) (int64, error) {
	g.RoleID = roleID
	if err := s.checkGroupName(ctx, roleID, g.Name, 0); err != nil {
		return 0, err
	}

	g.CreatedAt = time.Now().UTC()
	var id int64
	err := s.store.InTransaction(ctx, func(tx Store) error {
		var err error
		id, err = tx.CreateGroup(ctx, g)
		if err != nil {
			return err
		}
		info := backend.SubjectInfo{
			Type: policy.SubjectTypeGroup,
			ID:   strconv.FormatInt(id, 10),
			Name: g.Name,
		}
		return s.backend.CreateSubjects(ctx, []backend.SubjectInfo{info})
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Created group",
		zap.Int64("group_id", id),
		zap.Int64("role_id", roleID),
		zap.String("name", g.Name),
	)
	return id, nil
}

// Get returns one group of the acting role.
func (s *Service) Get(ctx context.Context, roleID, groupID int64) (Group, error) {
	return s.ownedGroup(ctx, roleID, groupID)
}

// List returns the groups of the role, or all groups when roleID is 0.
func (s *Service) List(ctx context.Context, roleID int64) ([]Group, error) {
	return s.store.ListGroups(ctx, roleID)
}

// Update renames or redescribes a group. The new name must stay unique
// within the role.
func (s *Service) Update(ctx context.Context, roleID, groupID int64, name, description string) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	if name != g.Name {
		if err := s.checkGroupName(ctx, roleID, name, g.ID); err != nil {
			return err
		}
	}
	return s.store.UpdateGroup(ctx, groupID, name, description)
}

// Delete removes a group and everything hanging off it: members,
// template links, mirror policies and the backend subject. The group
// row goes last so a failed cascade leaves the group visible and the
// delete retryable. Deletion is refused while an authorization is still
// in flight.
func (s *Service) Delete(ctx context.Context, roleID, groupID int64) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	locks, err := s.store.ListLocksByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if len(locks) > 0 {
		return apperr.Conflictf("group %d has an authorization in flight, try again later", groupID)
	}

	subject := g.Subject()
	if err := s.store.DeleteMembers(ctx, groupID); err != nil {
		return err
	}
	if err := s.templates.RevokeAllForSubject(ctx, subject); err != nil {
		return err
	}
	if err := s.policies.DeleteBySubject(ctx, subject); err != nil {
		return err
	}
	// Deleting the backend subject cascades its policies and
	// memberships on the backend side.
	if err := s.backend.DeleteSubjects(ctx, []policy.Subject{subject}); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}

	s.logger.Info("Deleted group", zap.Int64("group_id", groupID), zap.Int64("role_id", roleID))
	return nil
}

// Members lists the members of a group.
func (s *Service) Members(ctx context.Context, roleID, groupID int64) ([]Member, error) {
	if _, err := s.ownedGroup(ctx, roleID, groupID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, groupID)
}

func (s *Service) checkMemberExpiry(m *MemberExpiry, now int64) error {
	if m.Type != policy.SubjectTypeUser && m.Type != policy.SubjectTypeDepartment {
		return apperr.Validationf("group members must be users or departments, got %s/%s", m.Type, m.ID)
	}
	if m.ExpiredAt <= now {
		return apperr.Validationf("expiration of member %s/%s is in the past", m.Type, m.ID)
	}
	if m.ExpiredAt > policy.PermanentExpiredAt {
		m.ExpiredAt = policy.PermanentExpiredAt
	}
	return nil
}

// AddMembers adds subjects to the group until their expiration. Members
// must fall inside the role's subject scope. A subject that is already
// a member only gets its expiration refreshed.
func (s *Service) AddMembers(ctx context.Context, roleID, groupID int64, members []MemberExpiry) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return apperr.Validationf("no members to add")
	}
	if s.limits.MaxMembersPerBatch > 0 && len(members) > s.limits.MaxMembersPerBatch {
		return apperr.Validationf("cannot add %d members at once, the limit is %d", len(members), s.limits.MaxMembersPerBatch)
	}

	now := time.Now().Unix()
	subjects := make([]policy.Subject, 0, len(members))
	for i := range members {
		if err := s.checkMemberExpiry(&members[i], now); err != nil {
			return err
		}
		subjects = append(subjects, policy.Subject{Type: members[i].Type, ID: members[i].ID})
	}

	checker, err := s.scopes.NewScopeChecker(ctx, roleID)
	if err != nil {
		return err
	}
	if err := checker.CheckSubjects(ctx, subjects); err != nil {
		return err
	}

	count, err := s.store.CountMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if s.limits.MaxMembersPerGroup > 0 && count+len(members) > s.limits.MaxMembersPerGroup {
		return apperr.Validationf(
			"group %d would have %d members, exceeding the limit of %d",
			groupID, count+len(members), s.limits.MaxMembersPerGroup,
		)
	}
	if s.limits.MaxGroupsPerSubject > 0 {
		for _, subject := range subjects {
			joined, err := s.store.CountSubjectGroups(ctx, subject)
			if err != nil {
				return err
			}
			if joined >= s.limits.MaxGroupsPerSubject {
				return apperr.Validationf(
					"subject %s/%s is already a member of %d groups, the limit is %d",
					subject.Type, subject.ID, joined, s.limits.MaxGroupsPerSubject,
				)
			}
		}
	}

	createdAt := time.Now().UTC()
	rows := make([]Member, 0, len(members))
	backendMembers := make([]backend.SubjectMember, 0, len(members))
	for _, m := range members {
		rows = append(rows, Member{
			GroupID:   groupID,
			Type:      m.Type,
			ID:        m.ID,
			ExpiredAt: m.ExpiredAt,
			CreatedAt: createdAt,
		})
		backendMembers = append(backendMembers, backend.SubjectMember{
			Type:      m.Type,
			ID:        m.ID,
			ExpiredAt: m.ExpiredAt,
		})
	}

	err = s.store.InTransaction(ctx, func(tx Store) error {
		if err := tx.AddMembers(ctx, groupID, rows); err != nil {
			return err
		}
		return s.backend.AddSubjectMembers(ctx, g.Subject(), backendMembers)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Added group members", zap.Int64("group_id", groupID), zap.Int("count", len(members)))
	return nil
}

// RemoveMembers removes subjects from the group.
func (s *Service) RemoveMembers(ctx context.Context, roleID, groupID int64, subjects []policy.Subject) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		return apperr.Validationf("no members to remove")
	}

	err = s.store.InTransaction(ctx, func(tx Store) error {
		if err := tx.RemoveMembers(ctx, groupID, subjects); err != nil {
			return err
		}
		return s.backend.DeleteSubjectMembers(ctx, g.Subject(), subjects)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Removed group members", zap.Int64("group_id", groupID), zap.Int("count", len(subjects)))
	return nil
}

// RenewMembers extends the expiration of existing members.
func (s *Service) RenewMembers(ctx context.Context, roleID, groupID int64, renewals []MemberExpiry) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	if len(renewals) == 0 {
		return apperr.Validationf("no members to renew")
	}

	now := time.Now().Unix()
	backendMembers := make([]backend.SubjectMember, 0, len(renewals))
	for i := range renewals {
		if err := s.checkMemberExpiry(&renewals[i], now); err != nil {
			return err
		}
		backendMembers = append(backendMembers, backend.SubjectMember{
			Type:      renewals[i].Type,
			ID:        renewals[i].ID,
			ExpiredAt: renewals[i].ExpiredAt,
		})
	}

	return s.store.InTransaction(ctx, func(tx Store) error {
		if err := tx.UpdateMembersExpiredAt(ctx, groupID, renewals); err != nil {
			return err
		}
		return s.backend.UpdateSubjectMembersExpiredAt(ctx, g.Subject(), backendMembers)
	})
}

// Authorize validates the grant sources, persists one authorize lock
// per source together with a task record in one transaction, and hands
// the application to the task runner. It returns the task key. At most
// one authorization per (group, template) or (group, custom system) can
// be in flight at a time.
func (s *Service) Authorize(ctx context.Context, roleID, groupID int64, sources []GrantSource) (string, error) {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return "", err
	}
	if err := s.checkBeforeGrant(ctx, g, sources); err != nil {
		return "", err
	}

	checker, err := s.scopes.NewScopeChecker(ctx, roleID)
	if err != nil {
		return "", err
	}

	key := uuid.NewString()
	now := time.Now().UTC()
	locks := make([]AuthorizeLock, 0, len(sources))
	for _, src := range sources {
		lock, err := s.buildGrantLock(ctx, g, checker, src, key, now)
		if err != nil {
			return "", err
		}
		locks = append(locks, lock)
	}

	task := Task{
		Type:      TaskTypeGroupAuthorization,
		GroupID:   g.ID,
		Key:       key,
		Status:    TaskStatusPending,
		CreatedAt: now,
	}
	err = s.store.InTransaction(ctx, func(tx Store) error {
		if err := tx.CreateLocks(ctx, locks); err != nil {
			return err
		}
		_, err := tx.CreateTask(ctx, task)
		return err
	})
	if err != nil {
		return "", err
	}

	s.notifyRunner()
	s.logger.Info("Enqueued group authorization",
		zap.Int64("group_id", g.ID),
		zap.String("task_key", key),
		zap.Int("sources", len(sources)),
	)
	return key, nil
}

// checkBeforeGrant rejects the whole request before any lock is built:
// malformed sources, templates mid-update, and sources whose
// authorization is already in flight.
func (s *Service) checkBeforeGrant(ctx context.Context, g Group, sources []GrantSource) error {
	if len(sources) == 0 {
		return apperr.Validationf("no grant sources")
	}

	seen := make(map[string]struct{}, len(sources))
	templateIDs := make(map[int64]struct{})
	customSystems := make(map[string]struct{})
	for _, src := range sources {
		if src.SystemID == "" {
			return apperr.Validationf("grant source without a system id")
		}
		if len(src.Policies) == 0 {
			return apperr.Validationf("grant source for system %s carries no policies", src.SystemID)
		}
		key := fmt.Sprintf("%d/%s", src.TemplateID, src.SystemID)
		if _, ok := seen[key]; ok {
			return apperr.Validationf("duplicate grant source for system %s template %d", src.SystemID, src.TemplateID)
		}
		seen[key] = struct{}{}

		if src.TemplateID == CustomTemplateID {
			customSystems[src.SystemID] = struct{}{}
			continue
		}
		templateIDs[src.TemplateID] = struct{}{}

		t, err := s.templates.Get(ctx, src.TemplateID)
		if errors.Is(err, template.ErrNotFound) {
			return apperr.Validationf("template %d does not exist", src.TemplateID)
		}
		if err != nil {
			return err
		}
		if t.Updating {
			return apperr.Validationf("template %d is being updated, try again later", src.TemplateID)
		}
		if t.SystemID != src.SystemID {
			return apperr.Validationf("template %d belongs to system %s, not %s", src.TemplateID, t.SystemID, src.SystemID)
		}
	}

	locks, err := s.store.ListLocksByGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.TemplateID != CustomTemplateID {
			if _, ok := templateIDs[l.TemplateID]; ok {
				return apperr.Conflictf("authorization of group %d template %d is still in progress", g.ID, l.TemplateID)
			}
			continue
		}
		if _, ok := customSystems[l.SystemID]; ok {
			return apperr.Conflictf("custom authorization of group %d in system %s is still in progress", g.ID, l.SystemID)
		}
	}
	return nil
}

// buildGrantLock validates one grant source and turns it into a lock
// snapshot. Template grants must carry exactly the template's action
// set and the group must not hold the template yet; custom grants only
// add actions the group does not have. Those two checks guarantee every
// policy here is new, so the name check runs on added state only.
func (s *Service) buildGrantLock(
	ctx context.Context,
	g Group,
	checker *role.ScopeChecker,
	src GrantSource,
	key string,
	now time.Time,
) (AuthorizeLock, error) {
	subject := g.Subject()
	actionSeen := make(map[string]struct{}, len(src.Policies))
	for i := range src.Policies {
		actionID := src.Policies[i].ActionID
		if _, ok := actionSeen[actionID]; ok {
			return AuthorizeLock{}, wrapSource(src, apperr.Validationf("action %s appears more than once", actionID))
		}
		actionSeen[actionID] = struct{}{}
	}

	list := policy.NewPolicyList(src.SystemID, src.Policies)
	if src.TemplateID == CustomTemplateID {
		current, err := s.policies.NewPolicyListBySubject(ctx, src.SystemID, subject)
		if err != nil {
			return AuthorizeLock{}, err
		}
		if err := current.CheckAddOnly(list); err != nil {
			return AuthorizeLock{}, wrapSource(src, err)
		}
	} else {
		if err := s.templates.CheckAddMember(ctx, src.TemplateID, subject, list.ActionIDs()); err != nil {
			return AuthorizeLock{}, wrapSource(src, err)
		}
	}

	if err := s.registry.ValidatePolicies(ctx, src.SystemID, list.Policies); err != nil {
		return AuthorizeLock{}, wrapSource(src, err)
	}
	if err := list.CheckInstanceLimit(s.limits.MaxInstancesPerPolicy); err != nil {
		return AuthorizeLock{}, wrapSource(src, err)
	}
	if err := list.CheckResourceName(ctx, s.resolver); err != nil {
		return AuthorizeLock{}, wrapSource(src, err)
	}
	if err := checker.CheckPolicies(src.SystemID, list.Policies); err != nil {
		return AuthorizeLock{}, wrapSource(src, err)
	}

	// Group permissions never expire on their own, membership does.
	list.SetExpiredAt(policy.PermanentExpiredAt)

	return AuthorizeLock{
		GroupID:    g.ID,
		TemplateID: src.TemplateID,
		SystemID:   src.SystemID,
		Key:        key,
		Policies:   list.Policies,
		CreatedAt:  now,
	}, nil
}

func wrapSource(src GrantSource, err error) error {
	return fmt.Errorf("system %s template %d: %w", src.SystemID, src.TemplateID, err)
}

// PendingAuthorizations lists the authorize locks still in flight for a
// group. A lock disappears once the task runner applied its snapshot.
func (s *Service) PendingAuthorizations(ctx context.Context, roleID, groupID int64) ([]AuthorizeLock, error) {
	if _, err := s.ownedGroup(ctx, roleID, groupID); err != nil {
		return nil, err
	}
	return s.store.ListLocksByGroup(ctx, groupID)
}

// Policies lists the group's custom policies in one system.
func (s *Service) Policies(ctx context.Context, roleID, groupID int64, systemID string) ([]policy.Policy, error) {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return nil, err
	}
	return s.policies.ListBySubject(ctx, systemID, g.Subject())
}

// Templates lists the template links of the group.
func (s *Service) Templates(ctx context.Context, roleID, groupID int64) ([]template.Link, error) {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return nil, err
	}
	return s.templates.LinksForSubject(ctx, g.Subject())
}

// UpdatePolicies overwrites the resource conditions of policies the
// group already holds, custom or template-sourced. Only the added part
// of the new conditions is name-checked, existing conditions may
// reference since-renamed resources.
func (s *Service) UpdatePolicies(
	ctx context.Context,
	roleID, groupID int64,
	systemID string,
	templateID int64,
	policies []policy.Policy,
) ([]policy.Policy, error) {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, apperr.Validationf("no policies to update")
	}
	subject := g.Subject()

	if err := s.registry.ValidatePolicies(ctx, systemID, policies); err != nil {
		return nil, err
	}
	incoming := policy.NewPolicyList(systemID, policies)
	if err := incoming.CheckInstanceLimit(s.limits.MaxInstancesPerPolicy); err != nil {
		return nil, err
	}

	var current *policy.PolicyList
	var link template.Link
	if templateID == CustomTemplateID {
		current, err = s.policies.NewPolicyListBySubject(ctx, systemID, subject)
		if err != nil {
			return nil, err
		}
	} else {
		link, err = s.templates.LinkFor(ctx, templateID, subject)
		if errors.Is(err, template.ErrNotFound) {
			return nil, apperr.Validationf("template %d is not granted to group %d", templateID, groupID)
		}
		if err != nil {
			return nil, err
		}
		if link.SystemID != systemID {
			return nil, apperr.Validationf("template %d belongs to system %s, not %s", templateID, link.SystemID, systemID)
		}
		current = policy.NewPolicyList(systemID, link.Policies)
	}

	added := incoming.Sub(current)
	if err := added.CheckResourceName(ctx, s.resolver); err != nil {
		return nil, err
	}

	checker, err := s.scopes.NewScopeChecker(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if err := checker.CheckPolicies(systemID, incoming.Policies); err != nil {
		return nil, err
	}

	if templateID == CustomTemplateID {
		return s.policies.Update(ctx, systemID, subject, incoming.Policies)
	}
	return s.updateTemplatePolicies(ctx, subject, link, incoming)
}

// updateTemplatePolicies replaces conditions inside a template link
// snapshot and pushes the changed policies to the backend. Template
// policy creates are idempotent upserts there, so a retry after a
// half-applied update converges.
func (s *Service) updateTemplatePolicies(
	ctx context.Context,
	subject policy.Subject,
	link template.Link,
	incoming *policy.PolicyList,
) ([]policy.Policy, error) {
	linked := policy.NewPolicyList(link.SystemID, link.Policies)
	changed := make([]policy.Policy, 0, len(incoming.Policies))
	for i := range incoming.Policies {
		p := &incoming.Policies[i]
		old := linked.Get(p.ActionID)
		if old == nil {
			return nil, apperr.Validationf("template %d grant of group subject %s has no action %s", link.TemplateID, subject.ID, p.ActionID)
		}
		p.ExpiredAt = old.ExpiredAt
		p.PolicyID = old.PolicyID
		old.RelatedResourceTypes = p.Clone().RelatedResourceTypes
		changed = append(changed, old.Clone())
	}

	if err := s.backend.AlterTemplatePolicies(ctx, link.SystemID, subject, link.TemplateID, changed, nil); err != nil {
		return nil, err
	}
	if err := s.templates.UpdateLinkPolicies(ctx, link.ID, linked.Policies); err != nil {
		return nil, err
	}
	return changed, nil
}

// DeletePolicies removes custom policies of the group by backend policy
// id.
func (s *Service) DeletePolicies(ctx context.Context, roleID, groupID int64, systemID string, policyIDs []int64) error {
	g, err := s.ownedGroup(ctx, roleID, groupID)
	if err != nil {
		return err
	}
	if len(policyIDs) == 0 {
		return apperr.Validationf("no policy ids to delete")
	}
	return s.policies.DeleteByIDs(ctx, systemID, g.Subject(), policyIDs)
}
