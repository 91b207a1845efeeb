package group

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/policy"
)

func newTestWorker(env *testEnv, opts WorkerOptions) *Worker {
	return NewWorker(
		env.store, env.policies, env.templates, env.backend, env.policies,
		opts, env.svc.Notifications(), nil, zap.NewNop(),
	)
}

func TestWorkerAppliesCustomLock(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{})
	id := env.createGroup(t, 1, "db-admins")

	key, err := env.svc.Authorize(ctx, 1, id, []GrantSource{
		{TemplateID: CustomTemplateID, SystemID: "demo", Policies: []policy.Policy{
			hostPolicy("edit_host", instCondition("c1", "host", "h1")),
		}},
	})
	if err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}

	w.drainTasks(ctx)

	if len(env.policies.grants) != 1 {
		t.Fatalf("expected 1 grant call, got %d", len(env.policies.grants))
	}
	grant := env.policies.grants[0]
	if grant.systemID != "demo" || grant.subject != policy.NewGroupSubject("1") {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if grant.policies[0].ExpiredAt != policy.PermanentExpiredAt {
		t.Fatalf("expected permanent policy, got %d", grant.policies[0].ExpiredAt)
	}

	if locks, _ := env.store.ListLocksByKey(ctx, key); len(locks) != 0 {
		t.Fatalf("expected locks released, got %d", len(locks))
	}
	if env.store.tasks[0].Status != TaskStatusDone {
		t.Fatalf("expected task done, got %s", env.store.tasks[0].Status)
	}
}

func TestWorkerAppliesTemplateLock(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{})
	id := env.createGroup(t, 1, "db-admins")
	env.seedTemplate(7, "edit_host")

	_, err := env.svc.Authorize(ctx, 1, id, []GrantSource{
		{TemplateID: 7, SystemID: "demo", Policies: []policy.Policy{
			hostPolicy("edit_host", instCondition("c1", "host", "h1")),
		}},
	})
	if err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}

	w.drainTasks(ctx)

	if len(env.backend.templateAlters) != 1 {
		t.Fatalf("expected 1 backend alter, got %d", len(env.backend.templateAlters))
	}
	alter := env.backend.templateAlters[0]
	if alter.templateID != 7 || len(alter.create) != 1 {
		t.Fatalf("unexpected alter %+v", alter)
	}
	if len(env.policies.grants) != 0 {
		t.Fatalf("template lock must not touch custom policies, got %d grants", len(env.policies.grants))
	}

	link, err := env.templates.LinkFor(ctx, 7, policy.NewGroupSubject("1"))
	if err != nil {
		t.Fatalf("expected link recorded, got %v", err)
	}
	if len(link.Policies) != 1 || link.Policies[0].ActionID != "edit_host" {
		t.Fatalf("unexpected link snapshot %+v", link.Policies)
	}
	if locks, _ := env.store.ListLocksByGroup(ctx, id); len(locks) != 0 {
		t.Fatalf("expected locks released, got %d", len(locks))
	}
	if env.store.tasks[0].Status != TaskStatusDone {
		t.Fatalf("expected task done, got %s", env.store.tasks[0].Status)
	}
}

func TestWorkerSkipsAlreadyRecordedTemplateLock(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{})
	id := env.createGroup(t, 1, "db-admins")
	subject := policy.NewGroupSubject("1")

	// Crash after recording the link left the lock and task behind.
	granted := hostPolicy("edit_host", instCondition("c1", "host", "h1"))
	if err := env.templates.RecordGrant(ctx, 7, "demo", subject, []policy.Policy{granted}); err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}
	err := env.store.CreateLocks(ctx, []AuthorizeLock{
		{GroupID: id, TemplateID: 7, SystemID: "demo", Key: "k-1", Policies: []policy.Policy{granted}},
	})
	if err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}
	if _, err := env.store.CreateTask(ctx, Task{
		Type: TaskTypeGroupAuthorization, GroupID: id, Key: "k-1", Status: TaskStatusPending,
	}); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}

	w.drainTasks(ctx)

	if len(env.backend.templateAlters) != 0 {
		t.Fatalf("expected no backend alter for a recorded grant, got %d", len(env.backend.templateAlters))
	}
	if locks, _ := env.store.ListLocksByKey(ctx, "k-1"); len(locks) != 0 {
		t.Fatalf("expected leftover lock released, got %d", len(locks))
	}
	if env.store.tasks[0].Status != TaskStatusDone {
		t.Fatalf("expected task done, got %s", env.store.tasks[0].Status)
	}
}

func TestWorkerKeepsLocksWhenApplyFails(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{})
	id := env.createGroup(t, 1, "db-admins")

	key, err := env.svc.Authorize(ctx, 1, id, []GrantSource{
		{TemplateID: CustomTemplateID, SystemID: "demo", Policies: []policy.Policy{
			hostPolicy("edit_host", instCondition("c1", "host", "h1")),
		}},
	})
	if err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}

	env.policies.grantErr = fmt.Errorf("backend down")
	w.drainTasks(ctx)

	if locks, _ := env.store.ListLocksByKey(ctx, key); len(locks) != 1 {
		t.Fatalf("expected lock kept after failure, got %d", len(locks))
	}
	task := env.store.tasks[0]
	if task.Status != TaskStatusPending || task.Attempts != 1 {
		t.Fatalf("expected pending task with 1 attempt, got %+v", task)
	}

	// The pending lock keeps the in-flight signal truthful for clients.
	pending, err := env.svc.PendingAuthorizations(ctx, 1, id)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending authorization, got %d (%v)", len(pending), err)
	}

	env.policies.grantErr = nil
	w.drainTasks(ctx)

	if locks, _ := env.store.ListLocksByKey(ctx, key); len(locks) != 0 {
		t.Fatalf("expected locks released after retry, got %d", len(locks))
	}
	if env.store.tasks[0].Status != TaskStatusDone {
		t.Fatalf("expected task done after retry, got %s", env.store.tasks[0].Status)
	}
}

func TestWorkerStopsRetryingAfterMaxAttempts(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{MaxAttempts: 2})
	id := env.createGroup(t, 1, "db-admins")

	_, err := env.svc.Authorize(ctx, 1, id, []GrantSource{
		{TemplateID: CustomTemplateID, SystemID: "demo", Policies: []policy.Policy{
			hostPolicy("edit_host", instCondition("c1", "host", "h1")),
		}},
	})
	if err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}
	env.policies.grantErr = fmt.Errorf("backend down")

	w.drainTasks(ctx)
	w.drainTasks(ctx)
	if env.store.tasks[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", env.store.tasks[0].Attempts)
	}

	// Exhausted tasks stay pending in storage but are no longer picked up.
	w.drainTasks(ctx)
	if env.store.tasks[0].Attempts != 2 {
		t.Fatalf("expected attempts unchanged after exhaustion, got %d", env.store.tasks[0].Attempts)
	}
	if env.store.tasks[0].Status != TaskStatusPending {
		t.Fatalf("expected exhausted task to stay pending, got %s", env.store.tasks[0].Status)
	}
}

func TestWorkerSweepsExpiredMembers(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{CleanupAge: time.Hour})
	id := env.createGroup(t, 1, "db-admins")

	now := time.Now().Unix()
	err := env.store.AddMembers(ctx, id, []Member{
		{GroupID: id, Type: policy.SubjectTypeUser, ID: "stale", ExpiredAt: now - 7200},
		{GroupID: id, Type: policy.SubjectTypeUser, ID: "grace", ExpiredAt: now - 60},
		{GroupID: id, Type: policy.SubjectTypeUser, ID: "alive", ExpiredAt: now + 7200},
	})
	if err != nil {
		t.Fatalf("failed to seed members: %v", err)
	}

	w.sweepExpired(ctx)

	members, _ := env.store.ListMembers(ctx, id)
	if len(members) != 2 {
		t.Fatalf("expected 2 members left, got %d", len(members))
	}
	for _, m := range members {
		if m.ID == "stale" {
			t.Fatal("expected stale member removed")
		}
	}
	removed := env.backend.removedMembers["1"]
	if len(removed) != 1 || removed[0].ID != "stale" {
		t.Fatalf("expected backend removal of stale member, got %+v", removed)
	}
}

func TestWorkerSweepsExpiredPolicies(t *testing.T) {
	env := newTestEnv()
	w := newTestWorker(env, WorkerOptions{CleanupAge: time.Hour})

	old := time.Now().Add(-2 * time.Hour).Unix()
	env.policies.expired["user/bob"] = []policy.ThinPolicy{
		{ID: 5, SystemID: "demo", ActionID: "edit_host", ExpiredAt: old},
		{ID: 6, SystemID: "other", ActionID: "view_job", ExpiredAt: old},
		{ID: 7, SystemID: "demo", ActionID: "view_host", ExpiredAt: time.Now().Unix() + 3600},
	}

	w.sweepExpired(ctx)

	bob := policy.NewUserSubject("bob")
	if got := env.policies.deletedIDs[policyKey("demo", bob)]; len(got) != 1 || got[0] != 5 {
		t.Fatalf("expected policy 5 deleted in demo, got %v", got)
	}
	if got := env.policies.deletedIDs[policyKey("other", bob)]; len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected policy 6 deleted in other, got %v", got)
	}
}
