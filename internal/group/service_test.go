package group

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/backend"
	"github.com/dhawalhost/permseal/internal/org"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/role"
	"github.com/dhawalhost/permseal/internal/template"
)

var ctx = context.Background()

type fakeStore struct {
	groups    map[int64]Group
	members   map[int64][]Member
	locks     []AuthorizeLock
	tasks     []Task
	nextGroup int64
	nextLock  int64
	nextTask  int64
	txs       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: map[int64]Group{}, members: map[int64][]Member{}}
}

func (f *fakeStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	f.txs++
	groups := make(map[int64]Group, len(f.groups))
	for id, g := range f.groups {
		groups[id] = g
	}
	members := make(map[int64][]Member, len(f.members))
	for id, ms := range f.members {
		members[id] = append([]Member(nil), ms...)
	}
	locks := append([]AuthorizeLock(nil), f.locks...)
	tasks := append([]Task(nil), f.tasks...)

	if err := fn(f); err != nil {
		f.groups, f.members, f.locks, f.tasks = groups, members, locks, tasks
		return err
	}
	return nil
}

func (f *fakeStore) CreateGroup(ctx context.Context, g Group) (int64, error) {
	f.nextGroup++
	g.ID = f.nextGroup
	f.groups[g.ID] = g
	return g.ID, nil
}

func (f *fakeStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) GetGroupByRoleAndName(ctx context.Context, roleID int64, name string) (Group, error) {
	for _, g := range f.groups {
		if g.RoleID == roleID && g.Name == name {
			return g, nil
		}
	}
	return Group{}, ErrNotFound
}

func (f *fakeStore) ListGroups(ctx context.Context, roleID int64) ([]Group, error) {
	var out []Group
	for id := int64(1); id <= f.nextGroup; id++ {
		g, ok := f.groups[id]
		if !ok {
			continue
		}
		if roleID == 0 || g.RoleID == roleID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateGroup(ctx context.Context, id int64, name, description string) error {
	g, ok := f.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.Name = name
	g.Description = description
	f.groups[id] = g
	return nil
}

func (f *fakeStore) DeleteGroup(ctx context.Context, id int64) error {
	delete(f.groups, id)
	return nil
}

func (f *fakeStore) AddMembers(ctx context.Context, groupID int64, members []Member) error {
	for _, m := range members {
		replaced := false
		for i := range f.members[groupID] {
			existing := &f.members[groupID][i]
			if existing.Type == m.Type && existing.ID == m.ID {
				existing.ExpiredAt = m.ExpiredAt
				replaced = true
				break
			}
		}
		if !replaced {
			f.members[groupID] = append(f.members[groupID], m)
		}
	}
	return nil
}

func (f *fakeStore) RemoveMembers(ctx context.Context, groupID int64, subjects []policy.Subject) error {
	for _, subject := range subjects {
		kept := f.members[groupID][:0]
		for _, m := range f.members[groupID] {
			if m.Type == subject.Type && m.ID == subject.ID {
				continue
			}
			kept = append(kept, m)
		}
		f.members[groupID] = kept
	}
	return nil
}

func (f *fakeStore) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	return append([]Member(nil), f.members[groupID]...), nil
}

func (f *fakeStore) ListMembersBefore(ctx context.Context, groupID int64, expiredAt int64) ([]Member, error) {
	var out []Member
	for _, m := range f.members[groupID] {
		if m.ExpiredAt <= expiredAt {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) CountMembers(ctx context.Context, groupID int64) (int, error) {
	return len(f.members[groupID]), nil
}

func (f *fakeStore) CountSubjectGroups(ctx context.Context, subject policy.Subject) (int, error) {
	count := 0
	for _, members := range f.members {
		for _, m := range members {
			if m.Type == subject.Type && m.ID == subject.ID {
				count++
				break
			}
		}
	}
	return count, nil
}

func (f *fakeStore) UpdateMembersExpiredAt(ctx context.Context, groupID int64, renewals []MemberExpiry) error {
	for _, r := range renewals {
		for i := range f.members[groupID] {
			m := &f.members[groupID][i]
			if m.Type == r.Type && m.ID == r.ID {
				m.ExpiredAt = r.ExpiredAt
			}
		}
	}
	return nil
}

func (f *fakeStore) DeleteMembers(ctx context.Context, groupID int64) error {
	delete(f.members, groupID)
	return nil
}

func (f *fakeStore) CreateLocks(ctx context.Context, locks []AuthorizeLock) error {
	for _, l := range locks {
		f.nextLock++
		l.ID = f.nextLock
		f.locks = append(f.locks, l)
	}
	return nil
}

func (f *fakeStore) ListLocksByGroup(ctx context.Context, groupID int64) ([]AuthorizeLock, error) {
	var out []AuthorizeLock
	for _, l := range f.locks {
		if l.GroupID == groupID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) ListLocksByKey(ctx context.Context, key string) ([]AuthorizeLock, error) {
	var out []AuthorizeLock
	for _, l := range f.locks {
		if l.Key == key {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteLock(ctx context.Context, id int64) error {
	kept := f.locks[:0]
	for _, l := range f.locks {
		if l.ID != id {
			kept = append(kept, l)
		}
	}
	f.locks = kept
	return nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t Task) (int64, error) {
	f.nextTask++
	t.ID = f.nextTask
	f.tasks = append(f.tasks, t)
	return t.ID, nil
}

func (f *fakeStore) ListPendingTasks(ctx context.Context, limit, maxAttempts int) ([]Task, error) {
	var out []Task
	for _, t := range f.tasks {
		if t.Status == TaskStatusPending && t.Attempts < maxAttempts {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkTaskDone(ctx context.Context, id int64) error {
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Status = TaskStatusDone
		}
	}
	return nil
}

func (f *fakeStore) BumpTaskAttempts(ctx context.Context, id int64) error {
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Attempts++
		}
	}
	return nil
}

func policyKey(systemID string, subject policy.Subject) string {
	return fmt.Sprintf("%s/%s/%s", systemID, subject.Type, subject.ID)
}

type grantCall struct {
	systemID string
	subject  policy.Subject
	policies []policy.Policy
}

type fakePolicies struct {
	current         map[string][]policy.Policy
	expired         map[string][]policy.ThinPolicy
	grants          []grantCall
	updates         []grantCall
	deletedIDs      map[string][]int64
	deletedSubjects []policy.Subject
	grantErr        error
}

func newFakePolicies() *fakePolicies {
	return &fakePolicies{
		current:    map[string][]policy.Policy{},
		expired:    map[string][]policy.ThinPolicy{},
		deletedIDs: map[string][]int64{},
	}
}

func (f *fakePolicies) Grant(ctx context.Context, systemID string, subject policy.Subject, policies []policy.Policy) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grants = append(f.grants, grantCall{systemID: systemID, subject: subject, policies: policies})
	return nil
}

func (f *fakePolicies) Update(ctx context.Context, systemID string, subject policy.Subject, policies []policy.Policy) ([]policy.Policy, error) {
	f.updates = append(f.updates, grantCall{systemID: systemID, subject: subject, policies: policies})
	return policies, nil
}

func (f *fakePolicies) DeleteByIDs(ctx context.Context, systemID string, subject policy.Subject, policyIDs []int64) error {
	key := policyKey(systemID, subject)
	f.deletedIDs[key] = append(f.deletedIDs[key], policyIDs...)
	return nil
}

func (f *fakePolicies) DeleteBySubject(ctx context.Context, subject policy.Subject) error {
	f.deletedSubjects = append(f.deletedSubjects, subject)
	return nil
}

func (f *fakePolicies) ListBySubject(ctx context.Context, systemID string, subject policy.Subject) ([]policy.Policy, error) {
	return f.current[policyKey(systemID, subject)], nil
}

func (f *fakePolicies) NewPolicyListBySubject(ctx context.Context, systemID string, subject policy.Subject) (*policy.PolicyList, error) {
	existing := f.current[policyKey(systemID, subject)]
	clones := make([]policy.Policy, 0, len(existing))
	for _, p := range existing {
		clones = append(clones, p.Clone())
	}
	return policy.NewPolicyList(systemID, clones), nil
}

func (f *fakePolicies) Subjects(ctx context.Context) ([]policy.Subject, error) {
	var out []policy.Subject
	seen := map[policy.Subject]struct{}{}
	for subject := range f.expired {
		parts := strings.SplitN(subject, "/", 2)
		s := policy.Subject{Type: parts[0], ID: parts[1]}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakePolicies) ListExpired(ctx context.Context, subject policy.Subject, expiredAt int64) ([]policy.ThinPolicy, error) {
	var out []policy.ThinPolicy
	for _, p := range f.expired[subject.Type+"/"+subject.ID] {
		if p.ExpiredAt <= expiredAt {
			out = append(out, p)
		}
	}
	return out, nil
}

func linkKey(templateID int64, subject policy.Subject) string {
	return fmt.Sprintf("%d/%s/%s", templateID, subject.Type, subject.ID)
}

type fakeTemplates struct {
	templates map[int64]template.Template
	links     map[string]template.Link
	nextLink  int64
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{templates: map[int64]template.Template{}, links: map[string]template.Link{}}
}

func (f *fakeTemplates) Get(ctx context.Context, id int64) (template.Template, error) {
	t, ok := f.templates[id]
	if !ok {
		return template.Template{}, template.ErrNotFound
	}
	return t, nil
}

func (f *fakeTemplates) CheckAddMember(ctx context.Context, templateID int64, subject policy.Subject, actionIDs []string) error {
	t, ok := f.templates[templateID]
	if !ok {
		return template.ErrNotFound
	}
	want := make(map[string]struct{}, len(t.ActionIDs))
	for _, id := range t.ActionIDs {
		want[id] = struct{}{}
	}
	got := make(map[string]struct{}, len(actionIDs))
	for _, id := range actionIDs {
		got[id] = struct{}{}
	}
	if len(want) != len(got) {
		return apperr.Validationf("the requested actions do not match the actions of template %d", templateID)
	}
	for id := range got {
		if _, ok := want[id]; !ok {
			return apperr.Validationf("the requested actions do not match the actions of template %d", templateID)
		}
	}
	if _, ok := f.links[linkKey(templateID, subject)]; ok {
		return apperr.Conflictf("template %d is already granted to %s %s", templateID, subject.Type, subject.ID)
	}
	return nil
}

func (f *fakeTemplates) RecordGrant(ctx context.Context, templateID int64, systemID string, subject policy.Subject, policies []policy.Policy) error {
	f.nextLink++
	f.links[linkKey(templateID, subject)] = template.Link{
		ID:          f.nextLink,
		TemplateID:  templateID,
		SystemID:    systemID,
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Policies:    policies,
	}
	return nil
}

func (f *fakeTemplates) LinkFor(ctx context.Context, templateID int64, subject policy.Subject) (template.Link, error) {
	l, ok := f.links[linkKey(templateID, subject)]
	if !ok {
		return template.Link{}, template.ErrNotFound
	}
	return l, nil
}

func (f *fakeTemplates) UpdateLinkPolicies(ctx context.Context, linkID int64, policies []policy.Policy) error {
	for key, l := range f.links {
		if l.ID == linkID {
			l.Policies = policies
			f.links[key] = l
		}
	}
	return nil
}

func (f *fakeTemplates) RevokeAllForSubject(ctx context.Context, subject policy.Subject) error {
	for key, l := range f.links {
		if l.SubjectType == subject.Type && l.SubjectID == subject.ID {
			delete(f.links, key)
		}
	}
	return nil
}

func (f *fakeTemplates) LinksForSubject(ctx context.Context, subject policy.Subject) ([]template.Link, error) {
	var out []template.Link
	for _, l := range f.links {
		if l.SubjectType == subject.Type && l.SubjectID == subject.ID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	err error
}

func (f *fakeRegistry) ValidatePolicies(ctx context.Context, systemID string, policies []policy.Policy) error {
	return f.err
}

type fakeScopes struct {
	checker *role.ScopeChecker
	err     error
}

func (f *fakeScopes) NewScopeChecker(ctx context.Context, roleID int64) (*role.ScopeChecker, error) {
	return f.checker, f.err
}

type fakeResolver struct {
	names map[string]string
	err   error
}

func (f *fakeResolver) ResolveNames(ctx context.Context, nodes []policy.PathNode) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.names, nil
}

type templateAlter struct {
	systemID   string
	subject    policy.Subject
	templateID int64
	create     []policy.Policy
}

type fakeGroupBackend struct {
	createdSubjects []backend.SubjectInfo
	deletedSubjects []policy.Subject
	addedMembers    map[string][]backend.SubjectMember
	removedMembers  map[string][]policy.Subject
	renewedMembers  map[string][]backend.SubjectMember
	templateAlters  []templateAlter

	subjectErr  error
	memberErr   error
	templateErr error
}

func newFakeGroupBackend() *fakeGroupBackend {
	return &fakeGroupBackend{
		addedMembers:   map[string][]backend.SubjectMember{},
		removedMembers: map[string][]policy.Subject{},
		renewedMembers: map[string][]backend.SubjectMember{},
	}
}

func (f *fakeGroupBackend) CreateSubjects(ctx context.Context, subjects []backend.SubjectInfo) error {
	if f.subjectErr != nil {
		return f.subjectErr
	}
	f.createdSubjects = append(f.createdSubjects, subjects...)
	return nil
}

func (f *fakeGroupBackend) DeleteSubjects(ctx context.Context, subjects []policy.Subject) error {
	if f.subjectErr != nil {
		return f.subjectErr
	}
	f.deletedSubjects = append(f.deletedSubjects, subjects...)
	return nil
}

func (f *fakeGroupBackend) AddSubjectMembers(ctx context.Context, group policy.Subject, members []backend.SubjectMember) error {
	if f.memberErr != nil {
		return f.memberErr
	}
	f.addedMembers[group.ID] = append(f.addedMembers[group.ID], members...)
	return nil
}

func (f *fakeGroupBackend) DeleteSubjectMembers(ctx context.Context, group policy.Subject, members []policy.Subject) error {
	if f.memberErr != nil {
		return f.memberErr
	}
	f.removedMembers[group.ID] = append(f.removedMembers[group.ID], members...)
	return nil
}

func (f *fakeGroupBackend) UpdateSubjectMembersExpiredAt(ctx context.Context, group policy.Subject, members []backend.SubjectMember) error {
	if f.memberErr != nil {
		return f.memberErr
	}
	f.renewedMembers[group.ID] = append(f.renewedMembers[group.ID], members...)
	return nil
}

func (f *fakeGroupBackend) AlterTemplatePolicies(ctx context.Context, systemID string, subject policy.Subject, templateID int64, create []policy.Policy, deleteIDs []int64) error {
	if f.templateErr != nil {
		return f.templateErr
	}
	f.templateAlters = append(f.templateAlters, templateAlter{
		systemID:   systemID,
		subject:    subject,
		templateID: templateID,
		create:     create,
	})
	return nil
}

type fakeDirectory struct {
	chains map[string][]string
}

func (d *fakeDirectory) UserDepartmentChain(ctx context.Context, username string) ([]string, error) {
	return d.chains[username], nil
}

func (d *fakeDirectory) GetDepartment(ctx context.Context, id string) (org.Department, error) {
	return org.Department{}, org.ErrNotFound
}

func superChecker() *role.ScopeChecker {
	r := role.Role{ID: 1, Name: "platform-admins", Type: role.TypeSuper}
	return role.NewScopeChecker(r, nil, nil, nil)
}

func testLimits() Limits {
	return Limits{
		MaxMembersPerBatch:    100,
		MaxMembersPerGroup:    5,
		MaxGroupsPerSubject:   3,
		MaxInstancesPerPolicy: 100,
		MaxGroupNameLength:    64,
	}
}

type testEnv struct {
	store     *fakeStore
	policies  *fakePolicies
	templates *fakeTemplates
	registry  *fakeRegistry
	scopes    *fakeScopes
	resolver  *fakeResolver
	backend   *fakeGroupBackend
	svc       *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     newFakeStore(),
		policies:  newFakePolicies(),
		templates: newFakeTemplates(),
		registry:  &fakeRegistry{},
		scopes:    &fakeScopes{checker: superChecker()},
		resolver:  &fakeResolver{},
		backend:   newFakeGroupBackend(),
	}
	env.svc = NewService(
		env.store, env.policies, env.templates, env.registry,
		env.scopes, env.resolver, env.backend, testLimits(), zap.NewNop(),
	)
	return env
}

func (env *testEnv) createGroup(t *testing.T, roleID int64, name string) int64 {
	t.Helper()
	id, err := env.svc.Create(ctx, roleID, Group{Name: name, Creator: "alice"})
	if err != nil {
		t.Fatalf("failed to create group %s: %v", name, err)
	}
	return id
}

func futureExpiry() int64 {
	return time.Now().Add(30 * 24 * time.Hour).Unix()
}

func TestCreateGroupRegistersBackendSubject(t *testing.T) {
	env := newTestEnv()

	id := env.createGroup(t, 1, "db-admins")
	if id != 1 {
		t.Fatalf("expected group id 1, got %d", id)
	}
	if len(env.backend.createdSubjects) != 1 {
		t.Fatalf("expected 1 backend subject, got %d", len(env.backend.createdSubjects))
	}
	info := env.backend.createdSubjects[0]
	if info.Type != policy.SubjectTypeGroup || info.ID != "1" || info.Name != "db-admins" {
		t.Fatalf("unexpected backend subject %+v", info)
	}
	if env.store.txs != 1 {
		t.Fatalf("expected creation in a transaction, got %d", env.store.txs)
	}
}

func TestCreateGroupRejectsDuplicateName(t *testing.T) {
	env := newTestEnv()
	env.createGroup(t, 1, "db-admins")

	_, err := env.svc.Create(ctx, 1, Group{Name: "db-admins", Creator: "alice"})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate name, got %v", err)
	}

	// The same name under another role is fine.
	if _, err := env.svc.Create(ctx, 2, Group{Name: "db-admins", Creator: "bob"}); err != nil {
		t.Fatalf("expected same name under another role to pass, got %v", err)
	}
}

func TestCreateGroupRolledBackWhenBackendFails(t *testing.T) {
	env := newTestEnv()
	env.backend.subjectErr = fmt.Errorf("backend down")

	_, err := env.svc.Create(ctx, 1, Group{Name: "db-admins", Creator: "alice"})
	if err == nil {
		t.Fatal("expected creation to fail")
	}
	if len(env.store.groups) != 0 {
		t.Fatalf("expected no group row after rollback, got %d", len(env.store.groups))
	}
}

func TestGroupOwnershipEnforced(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")

	if _, err := env.svc.Get(ctx, 1, id); err != nil {
		t.Fatalf("expected owner role to read the group, got %v", err)
	}
	_, err := env.svc.Get(ctx, 2, id)
	if !apperr.IsScope(err) {
		t.Fatalf("expected scope violation for foreign role, got %v", err)
	}
}

func TestUpdateGroupKeepsNameUnique(t *testing.T) {
	env := newTestEnv()
	env.createGroup(t, 1, "db-admins")
	id := env.createGroup(t, 1, "net-admins")

	err := env.svc.Update(ctx, 1, id, "db-admins", "")
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict when renaming onto an existing name, got %v", err)
	}

	// Keeping its own name only changes the description.
	if err := env.svc.Update(ctx, 1, id, "net-admins", "network operators"); err != nil {
		t.Fatalf("expected description update to pass, got %v", err)
	}
	g, _ := env.store.GetGroup(ctx, id)
	if g.Description != "network operators" {
		t.Fatalf("description not updated: %+v", g)
	}
}

func TestAddMembersPersistsAndNotifiesBackend(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	expiry := futureExpiry()

	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: expiry},
		{Type: policy.SubjectTypeDepartment, ID: "dev", ExpiredAt: policy.PermanentExpiredAt + 5},
	})
	if err != nil {
		t.Fatalf("failed to add members: %v", err)
	}

	members, _ := env.store.ListMembers(ctx, id)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[1].ExpiredAt != policy.PermanentExpiredAt {
		t.Fatalf("expected expiry clamped to the permanent sentinel, got %d", members[1].ExpiredAt)
	}
	if len(env.backend.addedMembers["1"]) != 2 {
		t.Fatalf("expected backend to see 2 members, got %d", len(env.backend.addedMembers["1"]))
	}
}

func TestAddMembersRefreshesExistingExpiry(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	expiry := futureExpiry()

	add := func(at int64) {
		t.Helper()
		err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
			{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: at},
		})
		if err != nil {
			t.Fatalf("failed to add member: %v", err)
		}
	}
	add(expiry)
	add(expiry + 1000)

	members, _ := env.store.ListMembers(ctx, id)
	if len(members) != 1 {
		t.Fatalf("expected a single member row, got %d", len(members))
	}
	if members[0].ExpiredAt != expiry+1000 {
		t.Fatalf("expected refreshed expiry %d, got %d", expiry+1000, members[0].ExpiredAt)
	}
}

func TestAddMembersValidations(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")

	err := env.svc.AddMembers(ctx, 1, id, nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for empty members, got %v", err)
	}

	err = env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeGroup, ID: "2", ExpiredAt: futureExpiry()},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for group member, got %v", err)
	}

	err = env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: time.Now().Unix() - 10},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for past expiry, got %v", err)
	}
}

func TestAddMembersEnforcesGroupSizeLimit(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	expiry := futureExpiry()

	var members []MemberExpiry
	for i := 0; i < testLimits().MaxMembersPerGroup; i++ {
		members = append(members, MemberExpiry{
			Type: policy.SubjectTypeUser, ID: fmt.Sprintf("user%d", i), ExpiredAt: expiry,
		})
	}
	if err := env.svc.AddMembers(ctx, 1, id, members); err != nil {
		t.Fatalf("failed to fill group: %v", err)
	}

	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "overflow", ExpiredAt: expiry},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error at the member limit, got %v", err)
	}
}

func TestAddMembersEnforcesSubjectGroupQuota(t *testing.T) {
	env := newTestEnv()
	expiry := futureExpiry()

	for i := 0; i < testLimits().MaxGroupsPerSubject; i++ {
		id := env.createGroup(t, 1, fmt.Sprintf("team-%d", i))
		err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
			{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: expiry},
		})
		if err != nil {
			t.Fatalf("failed to join group %d: %v", id, err)
		}
	}

	id := env.createGroup(t, 1, "one-too-many")
	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: expiry},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error at the group quota, got %v", err)
	}
}

func TestAddMembersOutsideSubjectScope(t *testing.T) {
	env := newTestEnv()
	r := role.Role{ID: 1, Name: "ops-managers", Type: role.TypeManager}
	scope := []policy.Subject{{Type: policy.SubjectTypeUser, ID: "alice"}}
	env.scopes.checker = role.NewScopeChecker(r, nil, scope, &fakeDirectory{})
	id := env.createGroup(t, 1, "db-admins")

	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "mallory", ExpiredAt: futureExpiry()},
	})
	if !apperr.IsScope(err) {
		t.Fatalf("expected scope violation for out-of-scope subject, got %v", err)
	}
}

func TestAddMembersRolledBackWhenBackendFails(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	env.backend.memberErr = fmt.Errorf("backend down")

	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: futureExpiry()},
	})
	if err == nil {
		t.Fatal("expected add to fail")
	}
	members, _ := env.store.ListMembers(ctx, id)
	if len(members) != 0 {
		t.Fatalf("expected member rows rolled back, got %d", len(members))
	}
}

func TestRemoveMembers(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: futureExpiry()},
		{Type: policy.SubjectTypeUser, ID: "dave", ExpiredAt: futureExpiry()},
	})
	if err != nil {
		t.Fatalf("failed to add members: %v", err)
	}

	err = env.svc.RemoveMembers(ctx, 1, id, []policy.Subject{{Type: policy.SubjectTypeUser, ID: "carol"}})
	if err != nil {
		t.Fatalf("failed to remove member: %v", err)
	}
	members, _ := env.store.ListMembers(ctx, id)
	if len(members) != 1 || members[0].ID != "dave" {
		t.Fatalf("unexpected members after removal: %+v", members)
	}
	if len(env.backend.removedMembers["1"]) != 1 {
		t.Fatalf("expected backend removal, got %+v", env.backend.removedMembers)
	}
}

func TestRenewMembers(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	expiry := futureExpiry()
	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: expiry},
	})
	if err != nil {
		t.Fatalf("failed to add member: %v", err)
	}

	err = env.svc.RenewMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: expiry + 5000},
	})
	if err != nil {
		t.Fatalf("failed to renew member: %v", err)
	}
	members, _ := env.store.ListMembers(ctx, id)
	if members[0].ExpiredAt != expiry+5000 {
		t.Fatalf("expected renewed expiry, got %d", members[0].ExpiredAt)
	}
	if len(env.backend.renewedMembers["1"]) != 1 {
		t.Fatalf("expected backend renewal, got %+v", env.backend.renewedMembers)
	}

	err = env.svc.RenewMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: time.Now().Unix() - 1},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for past renewal, got %v", err)
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	subject := policy.NewGroupSubject("1")

	err := env.svc.AddMembers(ctx, 1, id, []MemberExpiry{
		{Type: policy.SubjectTypeUser, ID: "carol", ExpiredAt: futureExpiry()},
	})
	if err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
	if err := env.templates.RecordGrant(ctx, 7, "demo", subject, nil); err != nil {
		t.Fatalf("failed to link template: %v", err)
	}

	if err := env.svc.Delete(ctx, 1, id); err != nil {
		t.Fatalf("failed to delete group: %v", err)
	}

	if _, err := env.store.GetGroup(ctx, id); err != ErrNotFound {
		t.Fatalf("expected group row gone, got %v", err)
	}
	if members, _ := env.store.ListMembers(ctx, id); len(members) != 0 {
		t.Fatalf("expected members gone, got %d", len(members))
	}
	if links, _ := env.templates.LinksForSubject(ctx, subject); len(links) != 0 {
		t.Fatalf("expected template links gone, got %d", len(links))
	}
	if len(env.policies.deletedSubjects) != 1 || env.policies.deletedSubjects[0] != subject {
		t.Fatalf("expected mirror policies deleted, got %+v", env.policies.deletedSubjects)
	}
	if len(env.backend.deletedSubjects) != 1 || env.backend.deletedSubjects[0] != subject {
		t.Fatalf("expected backend subject deleted, got %+v", env.backend.deletedSubjects)
	}
}

func TestDeleteGroupRefusedWhileAuthorizing(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")
	err := env.store.CreateLocks(ctx, []AuthorizeLock{
		{GroupID: id, TemplateID: 7, SystemID: "demo", Key: "k1"},
	})
	if err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}

	err = env.svc.Delete(ctx, 1, id)
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict while authorization in flight, got %v", err)
	}
	if _, err := env.store.GetGroup(ctx, id); err != nil {
		t.Fatalf("expected group untouched, got %v", err)
	}
}

func TestDeletePoliciesBySystem(t *testing.T) {
	env := newTestEnv()
	id := env.createGroup(t, 1, "db-admins")

	if err := env.svc.DeletePolicies(ctx, 1, id, "demo", []int64{11, 12}); err != nil {
		t.Fatalf("failed to delete policies: %v", err)
	}
	key := policyKey("demo", policy.NewGroupSubject("1"))
	if got := env.policies.deletedIDs[key]; len(got) != 2 {
		t.Fatalf("expected 2 deleted ids, got %v", got)
	}

	err := env.svc.DeletePolicies(ctx, 1, id, "demo", nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for empty ids, got %v", err)
	}
}
